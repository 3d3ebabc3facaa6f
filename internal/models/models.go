package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
)

// Participant is the identity of a chat user. It is resolved once per
// session and treated as immutable afterwards; the chat core only ever
// holds a read-only copy.
type Participant struct {
	ID          string   `json:"id"`
	UserName    string   `json:"userName"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
	Presence    Presence `json:"presence"`
}

// Presence represents the ephemeral online status of a participant.
// It is never persisted; it only lives as long as a live channel
// subscription is open.
type Presence struct {
	Online bool  `json:"online"`
	Since  int64 `json:"since,omitempty"` // Unix timestamp (seconds)
}

// Conversation is the canonical 1:1 channel between exactly two
// participants. The pair is stored sorted (LowID < HighID) so that the
// unordered pair maps to exactly one row.
type Conversation struct {
	ID        string `json:"id"`
	LowID     string `json:"lowId"`
	HighID    string `json:"highId"`
	CreatedAt int64  `json:"createdAt"` // Unix milliseconds
}

// Peer returns the other participant of the conversation, or "" when
// userID is not a member.
func (c Conversation) Peer(userID string) string {
	switch userID {
	case c.LowID:
		return c.HighID
	case c.HighID:
		return c.LowID
	}
	return ""
}

// Member reports whether userID is one of the two participants.
func (c Conversation) Member(userID string) bool {
	return userID == c.LowID || userID == c.HighID
}

// Message is a single chat message. Messages are immutable once
// created except for the Read flag, which is mutated by the recipient
// only. Ordering is by CreatedAt, ties broken by ID.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"` // Unix milliseconds
	Read           bool   `json:"read"`
}
