package store

import (
	"context"
	"errors"

	"folio/internal/models"
)

// DefaultPageSize is the page size used for message history fetches
// when the caller does not specify one.
const DefaultPageSize = 20

var (
	// ErrWrite indicates a message insert failed. Callers holding an
	// optimistic UI copy of the message must roll it back.
	ErrWrite = errors.New("message write failed")

	// ErrReadFetch indicates a history fetch failed. No partial page is
	// ever returned alongside it.
	ErrReadFetch = errors.New("history fetch failed")

	// ErrUnsupported is returned by stores that cannot perform an
	// optional operation (such as an atomic find-or-create). Callers
	// fall through to the next strategy.
	ErrUnsupported = errors.New("operation not supported by this store")
)

// ConversationStore persists the canonical conversation records.
// All lookups take the pair already in canonical order (lowID < highID).
type ConversationStore interface {
	// GetByPair returns the conversation for the canonical pair, or
	// models.ErrNotFound.
	GetByPair(ctx context.Context, lowID, highID string) (models.Conversation, error)

	// FindOrCreate atomically returns the existing conversation for the
	// pair or creates one. Stores that cannot do this in a single
	// atomic step return ErrUnsupported.
	FindOrCreate(ctx context.Context, lowID, highID string) (models.Conversation, error)

	// Create inserts a new conversation for the pair. This path is not
	// race-free across two clients on stores without a uniqueness
	// constraint; it exists as the resolver's last-resort fallback.
	Create(ctx context.Context, lowID, highID string) (models.Conversation, error)

	// Get returns a conversation by id, or models.ErrNotFound.
	Get(ctx context.Context, id string) (models.Conversation, error)
}

// MessageStore is the append-only message persistence interface.
// Every operation is scoped by conversation id; there is no query that
// can cross conversations.
type MessageStore interface {
	// Insert persists one message and returns it with the
	// server-assigned id and timestamp. Fails with an error wrapping
	// ErrWrite.
	Insert(ctx context.Context, conversationID, senderID, text string) (models.Message, error)

	// FetchPage returns the Nth most-recent page (page 0 first) in
	// descending time order, ties broken by id descending. A page
	// shorter than pageSize means no more history exists. Failures wrap
	// ErrReadFetch.
	FetchPage(ctx context.Context, conversationID string, page, pageSize int) ([]models.Message, error)

	// MarkRead sets the read flag on a message. Idempotent: marking an
	// already-read message has no observable effect.
	MarkRead(ctx context.Context, messageID string) error
}
