package live

import (
	"context"
	"log/slog"

	"folio/internal/models"
	"folio/internal/store"
)

// FanoutStore decorates a message store so every successful insert is
// published to the hub. Writers stay oblivious to the live channel and
// readers of the channel stay oblivious to the storage backend.
type FanoutStore struct {
	store.MessageStore
	conversations store.ConversationStore
	hub           *Hub
}

func NewFanoutStore(inner store.MessageStore, conversations store.ConversationStore, hub *Hub) *FanoutStore {
	return &FanoutStore{
		MessageStore:  inner,
		conversations: conversations,
		hub:           hub,
	}
}

func (f *FanoutStore) Insert(ctx context.Context, conversationID, senderID, body string) (models.Message, error) {
	msg, err := f.MessageStore.Insert(ctx, conversationID, senderID, body)
	if err != nil {
		return models.Message{}, err
	}

	conv, convErr := f.conversations.Get(ctx, conversationID)
	if convErr != nil {
		// The message is stored; only the offline-recipient detection
		// loses the pair information.
		slog.Warn("could not load conversation for fanout",
			"conversation_id", conversationID, "error", convErr)
		conv = models.Conversation{ID: conversationID}
	}
	f.hub.PublishMessage(conv, msg)

	return msg, nil
}
