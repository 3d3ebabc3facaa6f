// Package live is the per-conversation publish/subscribe channel. It
// pushes newly inserted messages and presence/typing events to every
// open chat window without polling. Events are advisory: the message
// store stays the source of truth and subscribers must dedupe by
// message id.
package live

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"folio/internal/models"
)

// ErrChannel indicates a subscription failure. It is soft: presence
// and typing degrade to "unknown" but sending and loading messages
// through the store still works.
var ErrChannel = errors.New("live channel unavailable")

type EventKind string

const (
	EventMessageInserted EventKind = "message-inserted"
	EventPresenceSync    EventKind = "presence-sync"
	EventPresenceJoin    EventKind = "presence-join"
	EventPresenceLeave   EventKind = "presence-leave"
	EventTyping          EventKind = "typing"
)

// Event is one notification on a conversation channel. Message is set
// for message-inserted, UserID for presence join/leave and typing,
// Present for the initial presence snapshot.
type Event struct {
	Kind           EventKind       `json:"kind"`
	ConversationID string          `json:"conversationId"`
	Message        *models.Message `json:"message,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Typing         bool            `json:"typing,omitempty"`
	Present        []string        `json:"present,omitempty"`
}

// Publisher relays message and typing events to other nodes. Presence
// is node-local; each node's hub answers for its own connections.
type Publisher interface {
	Publish(event Event) error
}

// OfflineFunc is called when a message is inserted and the other
// participant of the conversation has no live presence.
type OfflineFunc func(conv models.Conversation, msg models.Message, absentID string)

type room struct {
	subs map[*Subscription]struct{}
	// present counts live subscriptions per participant, so presence
	// survives a window replacing its own subscription.
	present map[string]int
	since   map[string]int64
}

// Hub fans events out to the subscriptions of each conversation.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	bridge  Publisher
	offline OfflineFunc
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
}

// SetBridge attaches a cross-node publisher (such as the Redis
// bridge). Must be called before the first subscription.
func (h *Hub) SetBridge(bridge Publisher) {
	h.bridge = bridge
}

// SetOffline attaches the offline-recipient hook used for push
// notifications. Must be called before the first publish.
func (h *Hub) SetOffline(offline OfflineFunc) {
	h.offline = offline
}

// Subscribe opens a subscription for one chat window. The subscriber's
// own presence is tracked immediately ("track"), a presence snapshot is
// queued as the first event, and everyone else in the room sees a join.
func (h *Hub) Subscribe(conversationID, userID string) (*Subscription, error) {
	if conversationID == "" || userID == "" {
		return nil, ErrChannel
	}

	sub := &Subscription{
		hub:            h,
		conversationID: conversationID,
		userID:         userID,
		events:         make(chan Event, 16),
	}

	h.mu.Lock()
	rm, ok := h.rooms[conversationID]
	if !ok {
		rm = &room{
			subs:    make(map[*Subscription]struct{}),
			present: make(map[string]int),
			since:   make(map[string]int64),
		}
		h.rooms[conversationID] = rm
	}

	rm.subs[sub] = struct{}{}
	rm.present[userID]++
	if rm.present[userID] == 1 {
		rm.since[userID] = h.now().Unix()
	}

	snapshot := make([]string, 0, len(rm.present))
	for id := range rm.present {
		snapshot = append(snapshot, id)
	}
	h.mu.Unlock()

	// The subscriber learns the current room occupancy first, then the
	// rest of the room learns about the subscriber.
	sub.deliver(Event{
		Kind:           EventPresenceSync,
		ConversationID: conversationID,
		Present:        snapshot,
	})
	h.broadcast(Event{
		Kind:           EventPresenceJoin,
		ConversationID: conversationID,
		UserID:         userID,
	}, sub)

	return sub, nil
}

// PublishMessage fans a freshly stored message out to every
// subscription of its conversation, relays it to other nodes, and
// fires the offline hook when the recipient has no presence anywhere
// in the room.
func (h *Hub) PublishMessage(conv models.Conversation, msg models.Message) {
	event := Event{
		Kind:           EventMessageInserted,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	}
	h.broadcast(event, nil)

	if h.bridge != nil {
		if err := h.bridge.Publish(event); err != nil {
			slog.Warn("bridge publish failed", "conversation_id", msg.ConversationID, "error", err)
		}
	}

	if h.offline == nil {
		return
	}
	recipient := conv.Peer(msg.SenderID)
	if recipient == "" {
		return
	}
	h.mu.RLock()
	rm, ok := h.rooms[msg.ConversationID]
	absent := !ok || rm.present[recipient] == 0
	h.mu.RUnlock()
	if absent {
		h.offline(conv, msg, recipient)
	}
}

// PublishTyping broadcasts an ephemeral typing signal. Nothing is
// stored; receivers time the indicator out on their own.
func (h *Hub) PublishTyping(conversationID, userID string, typing bool) {
	event := Event{
		Kind:           EventTyping,
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
	}
	h.broadcast(event, nil)

	if h.bridge != nil {
		if err := h.bridge.Publish(event); err != nil {
			slog.Debug("bridge typing publish failed", "conversation_id", conversationID, "error", err)
		}
	}
}

// HandleRemote delivers an event received from another node to local
// subscribers only. It never re-publishes to the bridge.
func (h *Hub) HandleRemote(event Event) {
	h.broadcast(event, nil)
}

// Online reports whether the user holds at least one live subscription
// on this node, and since when. Used to enrich participant listings;
// per-conversation presence still flows through the event stream.
func (h *Hub) Online(userID string) models.Presence {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var presence models.Presence
	for _, rm := range h.rooms {
		if rm.present[userID] == 0 {
			continue
		}
		since := rm.since[userID]
		if !presence.Online || since < presence.Since {
			presence = models.Presence{Online: true, Since: since}
		}
	}
	return presence
}

func (h *Hub) broadcast(event Event, skip *Subscription) {
	h.mu.RLock()
	rm, ok := h.rooms[event.ConversationID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(rm.subs))
	for sub := range rm.subs {
		if sub != skip {
			subs = append(subs, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	rm, ok := h.rooms[sub.conversationID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := rm.subs[sub]; !member {
		h.mu.Unlock()
		return
	}
	delete(rm.subs, sub)

	rm.present[sub.userID]--
	left := rm.present[sub.userID] <= 0
	if left {
		delete(rm.present, sub.userID)
		delete(rm.since, sub.userID)
	}
	if len(rm.subs) == 0 {
		delete(h.rooms, sub.conversationID)
	}
	h.mu.Unlock()

	if left {
		h.broadcast(Event{
			Kind:           EventPresenceLeave,
			ConversationID: sub.conversationID,
			UserID:         sub.userID,
		}, nil)
	}
}

// Subscription is one chat window's live channel. At most one exists
// per open window; the controller replaces it wholesale when the same
// window re-opens.
type Subscription struct {
	hub            *Hub
	conversationID string
	userID         string

	mu     sync.Mutex
	events chan Event
	closed bool
}

// Events is the stream of notifications for the subscribed
// conversation. Closed when the subscription closes.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Typing broadcasts this subscriber's typing state to the room.
func (s *Subscription) Typing(active bool) {
	s.hub.PublishTyping(s.conversationID, s.userID, active)
}

// Close withdraws presence and releases the subscription. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.hub.unsubscribe(s)
}

func (s *Subscription) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		// Slow consumer. Dropping is acceptable: delivery is
		// at-least-once advisory and the store holds the truth.
		slog.Warn("dropping live event for slow subscriber",
			"conversation_id", s.conversationID, "user_id", s.userID, "kind", event.Kind)
	}
}
