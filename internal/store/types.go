package store

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBParticipant struct {
	ID                  string `msgpack:"id"`
	UserName            string `msgpack:"userName"`
	DisplayName         string `msgpack:"displayName"`
	AvatarURL           string `msgpack:"avatarUrl"`
	PasswordHash        string `msgpack:"passwordHash"`
	FailedLoginAttempts int64  `msgpack:"failedLoginAttempts"`
	LastAttemptTime     int64  `msgpack:"lastAttemptTime"`
}

func (p *DBParticipant) Key() []byte {
	return []byte(p.ID)
}

func (p *DBParticipant) MarshalBinary() (data []byte, err error) {
	type alias DBParticipant
	return msgpack.Marshal((*alias)(p))
}

func (p *DBParticipant) UnmarshalBinary(data []byte) error {
	type alias DBParticipant
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBConversation struct {
	ID        string `msgpack:"id"`
	LowID     string `msgpack:"lowId"`
	HighID    string `msgpack:"highId"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

// PairKey is the key of the pair-index entry pointing at this
// conversation. The separator cannot appear in ids (they are UUIDs).
func (c *DBConversation) PairKey() []byte {
	return pairKey(c.LowID, c.HighID)
}

func pairKey(lowID, highID string) []byte {
	return []byte(lowID + "|" + highID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	Content        string `msgpack:"content"`
	CreatedAt      int64  `msgpack:"createdAt"`
	Read           bool   `msgpack:"read"`
}

// Key orders messages by creation time with the id as tie breaker, so
// a cursor scan over the conversation bucket yields chronological
// order without sorting.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
