// Package notify delivers web push notifications to participants who
// have no open chat window when a message arrives for them.
package notify

import (
	"encoding/json"
	"errors"
	"log/slog"

	"folio/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// SubscriptionStore persists opaque browser push subscriptions, one
// per participant.
type SubscriptionStore interface {
	UpsertPushSubscription(participantID string, subscription []byte) error
	GetPushSubscription(participantID string) ([]byte, error)
}

type Config struct {
	// VAPID key pair; leave empty to disable push entirely.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact URI required by the push protocol,
	// usually a mailto: address.
	Subscriber string
}

// Pusher sends notifications. Delivery is best effort: failures are
// logged and never surface to the sender, the message itself is
// already stored.
type Pusher struct {
	config Config
	store  SubscriptionStore
}

func NewPusher(config Config, store SubscriptionStore) *Pusher {
	return &Pusher{config: config, store: store}
}

// Enabled reports whether a VAPID key pair is configured.
func (p *Pusher) Enabled() bool {
	return p.config.VAPIDPublicKey != "" && p.config.VAPIDPrivateKey != ""
}

// PublicKey returns the VAPID public key browsers subscribe with.
func (p *Pusher) PublicKey() string {
	return p.config.VAPIDPublicKey
}

// Subscribe stores a browser subscription after checking it parses.
func (p *Pusher) Subscribe(participantID string, subscription []byte) error {
	var s webpush.Subscription
	if err := json.Unmarshal(subscription, &s); err != nil {
		return errors.New("invalid push subscription")
	}
	if s.Endpoint == "" {
		return errors.New("push subscription has no endpoint")
	}
	return p.store.UpsertPushSubscription(participantID, subscription)
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	From  string `json:"from"`
}

// NotifyOffline pushes a new-message notification to the recipient.
// Wired into the hub's offline-recipient hook.
func (p *Pusher) NotifyOffline(conv models.Conversation, msg models.Message, recipientID string) {
	if !p.Enabled() {
		return
	}

	blob, err := p.store.GetPushSubscription(recipientID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Warn("failed to load push subscription", "participant_id", recipientID, "error", err)
		}
		return
	}
	var subscription webpush.Subscription
	if err := json.Unmarshal(blob, &subscription); err != nil {
		slog.Warn("stored push subscription is corrupt", "participant_id", recipientID, "error", err)
		return
	}

	payload, err := json.Marshal(pushPayload{
		Title: "New message",
		Body:  msg.Content,
		From:  msg.SenderID,
	})
	if err != nil {
		return
	}

	resp, err := webpush.SendNotification(payload, &subscription, &webpush.Options{
		Subscriber:      p.config.Subscriber,
		VAPIDPublicKey:  p.config.VAPIDPublicKey,
		VAPIDPrivateKey: p.config.VAPIDPrivateKey,
		TTL:             300,
	})
	if err != nil {
		slog.Warn("push delivery failed", "participant_id", recipientID, "error", err)
		return
	}
	_ = resp.Body.Close()
}
