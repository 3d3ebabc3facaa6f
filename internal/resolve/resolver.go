// Package resolve maps a pair of participant identities to the single
// canonical conversation record between them, creating one if absent.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"folio/internal/models"
	"folio/internal/store"
)

var (
	// ErrSelfChat is returned when a participant tries to open a chat
	// with themselves. Rejected synchronously, before any store call.
	ErrSelfChat = errors.New("cannot open a chat with yourself")

	// ErrResolutionFailed means every resolution strategy failed. The
	// caller aborts the chat-open flow and shows a retry affordance.
	ErrResolutionFailed = errors.New("conversation resolution failed")
)

// Strategy is one way of turning a canonical pair into a conversation.
// Strategies are tried in order; the first success short-circuits.
// Returning store.ErrUnsupported skips to the next strategy without
// counting as a failure.
type Strategy func(ctx context.Context, lowID, highID string) (models.Conversation, error)

type Resolver struct {
	strategies []Strategy
}

// New builds the default strategy chain over a conversation store:
// lookup by pair, atomic find-or-create, then a plain insert. The last
// step is not race-free on stores without a uniqueness constraint;
// under concurrent first contact it may produce a duplicate row. Both
// shipped stores enforce uniqueness so in practice the race closes at
// step two, but the fallback stays: it is the documented degraded path
// for stores where find-or-create is unavailable.
func New(conversations store.ConversationStore) *Resolver {
	return &Resolver{
		strategies: []Strategy{
			conversations.GetByPair,
			conversations.FindOrCreate,
			conversations.Create,
		},
	}
}

// NewWithStrategies builds a resolver from an explicit strategy list.
// Used in tests and for stores with a custom resolution policy.
func NewWithStrategies(strategies ...Strategy) *Resolver {
	return &Resolver{strategies: strategies}
}

// CanonicalPair orders two participant ids so the unordered pair maps
// to exactly one conversation row. Both sides of a conversation must
// resolve through this before touching the store; it is the core
// duplicate-avoidance invariant.
func CanonicalPair(a, b string) (lowID, highID string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Resolve returns the canonical conversation between localID and
// otherID, trying each strategy in order.
func (r *Resolver) Resolve(ctx context.Context, localID, otherID string) (models.Conversation, error) {
	if localID == otherID {
		return models.Conversation{}, ErrSelfChat
	}
	if localID == "" || otherID == "" {
		return models.Conversation{}, fmt.Errorf("%w: missing participant id", ErrResolutionFailed)
	}

	lowID, highID := CanonicalPair(localID, otherID)

	var lastErr error
	for _, strategy := range r.strategies {
		conv, err := strategy(ctx, lowID, highID)
		switch {
		case err == nil:
			return conv, nil
		case errors.Is(err, models.ErrNotFound):
			// Lookup miss, not a failure.
		case errors.Is(err, store.ErrUnsupported):
			// Store cannot do this step, move on.
		default:
			lastErr = err
			slog.Debug("conversation resolution step failed",
				"low_id", lowID, "high_id", highID, "error", err)
		}
	}

	if lastErr == nil {
		lastErr = models.ErrNotFound
	}
	return models.Conversation{}, fmt.Errorf("%w: %v", ErrResolutionFailed, lastErr)
}
