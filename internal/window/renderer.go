package window

import (
	"folio/internal/live"
	"folio/internal/models"
)

// Status is the header label derived from presence and typing state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusTyping  Status = "typing"
	// StatusUnknown is shown when the live channel is unavailable and
	// presence cannot be observed.
	StatusUnknown Status = "unknown"
)

// Renderer is the passive view driven by the controller. The
// controller's in-memory message list is the source of truth; the
// renderer is a one-way target and must never be read back, with one
// documented exception: PrependMessages must preserve the visual
// scroll offset across the mutation, which only the view can compute.
//
// Implementations must not call back into the controller; methods may
// be invoked while the controller holds its internal lock.
type Renderer interface {
	// ShowLoading clears the view and shows a loading placeholder.
	ShowLoading()

	// ShowHistory replaces the message list with the initial page, in
	// ascending time order.
	ShowHistory(messages []models.Message)

	// AppendMessage adds one message at the bottom.
	AppendMessage(message models.Message)

	// PrependMessages inserts older messages at the top, preserving
	// the current scroll position across the mutation.
	PrependMessages(messages []models.Message)

	// RemoveMessage removes a message (by id) from the view. Used to
	// roll back an optimistic message after a failed send.
	RemoveMessage(id string)

	// ConfirmMessage swaps an optimistic message for its stored form,
	// carrying the server-assigned id.
	ConfirmMessage(tempID string, message models.Message)

	// SetStatus updates the conversation header label.
	SetStatus(status Status)

	// RestoreInput puts text back into the compose box, verbatim.
	RestoreInput(text string)

	// ShowError surfaces a dismissible error to the user.
	ShowError(message string)

	// ScrollToLatest scrolls the view to the newest message.
	ScrollToLatest()
}

// LiveChannel opens per-conversation live subscriptions.
type LiveChannel interface {
	Subscribe(conversationID, userID string) (Subscription, error)
}

// Subscription is one window's live channel handle.
type Subscription interface {
	Events() <-chan live.Event
	Typing(active bool)
	Close()
}

type hubChannel struct {
	hub *live.Hub
}

// HubChannel adapts a live.Hub to the LiveChannel interface.
func HubChannel(hub *live.Hub) LiveChannel {
	return hubChannel{hub: hub}
}

func (c hubChannel) Subscribe(conversationID, userID string) (Subscription, error) {
	sub, err := c.hub.Subscribe(conversationID, userID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
