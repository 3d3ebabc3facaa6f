package live

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bridgeChannel = "chat:events"

// bridgeEnvelope wraps an event with the publishing node id so a node
// can skip its own messages echoed back by Redis.
type bridgeEnvelope struct {
	Node  string `json:"node"`
	Event Event  `json:"event"`
}

// RedisBridge relays live events between nodes over Redis pub/sub, so
// two participants connected to different instances still see each
// other's messages and typing signals in real time.
type RedisBridge struct {
	client *redis.Client
	nodeID string
}

func NewRedisBridge(client *redis.Client) *RedisBridge {
	return &RedisBridge{
		client: client,
		nodeID: uuid.NewString(),
	}
}

// Publish sends one event to the shared channel.
func (b *RedisBridge) Publish(event Event) error {
	payload, err := json.Marshal(bridgeEnvelope{Node: b.nodeID, Event: event})
	if err != nil {
		return err
	}
	return b.client.Publish(context.Background(), bridgeChannel, payload).Err()
}

// Run subscribes to the shared channel and feeds remote events into
// the hub until ctx is cancelled. Subscription errors are logged and
// the bridge degrades silently; local delivery keeps working.
func (b *RedisBridge) Run(ctx context.Context, hub *Hub) {
	pubsub := b.client.Subscribe(ctx, bridgeChannel)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			b.handlePayload([]byte(m.Payload), hub)
		case <-ctx.Done():
			return
		}
	}
}

// handlePayload decodes one envelope and hands it to the hub. Malformed
// payloads and this node's own echoes are dropped.
func (b *RedisBridge) handlePayload(payload []byte, hub *Hub) {
	var envelope bridgeEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		slog.Warn("failed to unmarshal bridge event", "error", err)
		return
	}
	if envelope.Node == b.nodeID {
		return
	}
	hub.HandleRemote(envelope.Event)
}
