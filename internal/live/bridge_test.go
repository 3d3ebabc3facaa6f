package live

import (
	"encoding/json"
	"testing"

	"folio/internal/models"
)

func marshalEnvelope(t *testing.T, node string, event Event) []byte {
	t.Helper()
	payload, err := json.Marshal(bridgeEnvelope{Node: node, Event: event})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return payload
}

func TestBridgeDeliversRemoteEvents(t *testing.T) {
	hub := NewHub()
	bridge := NewRedisBridge(nil)

	sub, err := hub.Subscribe("conv1", "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()
	recvEvent(t, sub) // own snapshot

	msg := models.Message{ID: "m1", ConversationID: "conv1", SenderID: "bob", Content: "hi"}
	bridge.handlePayload(marshalEnvelope(t, "other-node", Event{
		Kind:           EventMessageInserted,
		ConversationID: "conv1",
		Message:        &msg,
	}), hub)

	event := recvEvent(t, sub)
	if event.Kind != EventMessageInserted {
		t.Fatalf("expected message-inserted, got %s", event.Kind)
	}
	if event.Message == nil || event.Message.ID != "m1" || event.Message.Content != "hi" {
		t.Errorf("message did not survive the envelope round-trip: %+v", event.Message)
	}

	bridge.handlePayload(marshalEnvelope(t, "other-node", Event{
		Kind:           EventTyping,
		ConversationID: "conv1",
		UserID:         "bob",
		Typing:         true,
	}), hub)

	typing := recvEvent(t, sub)
	if typing.Kind != EventTyping || typing.UserID != "bob" || !typing.Typing {
		t.Errorf("expected bob typing=true, got %+v", typing)
	}
}

func TestBridgeSkipsOwnEchoes(t *testing.T) {
	hub := NewHub()
	bridge := NewRedisBridge(nil)

	sub, err := hub.Subscribe("conv1", "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()
	recvEvent(t, sub) // own snapshot

	// This node's own publish comes back from the shared channel; it was
	// already delivered locally and must not be delivered twice.
	msg := models.Message{ID: "m1", ConversationID: "conv1", SenderID: "bob"}
	bridge.handlePayload(marshalEnvelope(t, bridge.nodeID, Event{
		Kind:           EventMessageInserted,
		ConversationID: "conv1",
		Message:        &msg,
	}), hub)
	expectNoEvent(t, sub)
}

func TestBridgeDropsMalformedPayload(t *testing.T) {
	hub := NewHub()
	bridge := NewRedisBridge(nil)

	sub, err := hub.Subscribe("conv1", "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()
	recvEvent(t, sub) // own snapshot

	bridge.handlePayload([]byte("not an envelope"), hub)
	expectNoEvent(t, sub)
}
