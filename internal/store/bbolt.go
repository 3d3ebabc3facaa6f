package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"folio/internal/models"
	"folio/internal/session"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketParticipants  = []byte("participants")
	bucketConversations = []byte("conversations")
	bucketPairIndex     = []byte("conversation_pairs")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketPushSubs      = []byte("push_subscriptions")
)

// BboltStore is the embedded storage backend. It implements
// ConversationStore, MessageStore, session.CredentialStore and the
// push subscription store.
type BboltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketParticipants,
			bucketConversations,
			bucketPairIndex,
			bucketMessages,
			bucketMessageIndex,
			bucketPushSubs,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStore{db: db, now: time.Now}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// UpsertCredentials stores new or updated participant credentials.
func (s *BboltStore) UpsertCredentials(credentials session.Credentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketParticipants)
		dbParticipant := &DBParticipant{
			ID:                  credentials.ID,
			UserName:            credentials.UserName,
			DisplayName:         credentials.DisplayName,
			AvatarURL:           credentials.AvatarURL,
			PasswordHash:        credentials.PasswordHash,
			FailedLoginAttempts: credentials.FailedLoginAttempts,
			LastAttemptTime:     credentials.LastAttemptTime,
		}

		data, err := dbParticipant.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbParticipant.Key(), data)
	})
}

// ListCredentials returns all participant credentials stored in the database.
func (s *BboltStore) ListCredentials() ([]session.Credentials, error) {
	var credentials []session.Credentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketParticipants)
		return b.ForEach(func(k, v []byte) error {
			var dbParticipant DBParticipant
			if err := dbParticipant.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, session.Credentials{
				Participant: models.Participant{
					ID:          dbParticipant.ID,
					UserName:    dbParticipant.UserName,
					DisplayName: dbParticipant.DisplayName,
					AvatarURL:   dbParticipant.AvatarURL,
				},
				PasswordHash:        dbParticipant.PasswordHash,
				FailedLoginAttempts: dbParticipant.FailedLoginAttempts,
				LastAttemptTime:     dbParticipant.LastAttemptTime,
			})
			return nil
		})
	})
	return credentials, err
}

// GetByPair looks up the conversation for the canonical pair using the
// pair index bucket.
func (s *BboltStore) GetByPair(ctx context.Context, lowID, highID string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		convID := tx.Bucket(bucketPairIndex).Get(pairKey(lowID, highID))
		if convID == nil {
			return models.ErrNotFound
		}
		return s.readConversation(tx, convID, &conv)
	})
	return conv, err
}

// Get returns a conversation by id.
func (s *BboltStore) Get(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.readConversation(tx, []byte(id), &conv)
	})
	return conv, err
}

func (s *BboltStore) readConversation(tx *bbolt.Tx, id []byte, conv *models.Conversation) error {
	data := tx.Bucket(bucketConversations).Get(id)
	if data == nil {
		return models.ErrNotFound
	}
	var dbConv DBConversation
	if err := dbConv.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	*conv = models.Conversation{
		ID:        dbConv.ID,
		LowID:     dbConv.LowID,
		HighID:    dbConv.HighID,
		CreatedAt: dbConv.CreatedAt,
	}
	return nil
}

// FindOrCreate returns the conversation for the pair, creating it when
// absent. Running inside a single Update transaction makes it atomic:
// two clients opening a chat with each other concurrently converge on
// the same row.
func (s *BboltStore) FindOrCreate(ctx context.Context, lowID, highID string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketPairIndex)
		if convID := pairs.Get(pairKey(lowID, highID)); convID != nil {
			return s.readConversation(tx, convID, &conv)
		}
		return s.createConversation(tx, lowID, highID, &conv)
	})
	return conv, err
}

// Create inserts a new conversation unconditionally. The resolver only
// reaches this path on stores without FindOrCreate; here it is kept
// for interface completeness and reuses the same transaction shape.
func (s *BboltStore) Create(ctx context.Context, lowID, highID string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return s.createConversation(tx, lowID, highID, &conv)
	})
	return conv, err
}

func (s *BboltStore) createConversation(tx *bbolt.Tx, lowID, highID string, conv *models.Conversation) error {
	dbConv := DBConversation{
		ID:        uuid.NewString(),
		LowID:     lowID,
		HighID:    highID,
		CreatedAt: s.now().UnixMilli(),
	}
	data, err := dbConv.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := tx.Bucket(bucketConversations).Put(dbConv.Key(), data); err != nil {
		return err
	}
	if err := tx.Bucket(bucketPairIndex).Put(dbConv.PairKey(), dbConv.Key()); err != nil {
		return err
	}
	*conv = models.Conversation{
		ID:        dbConv.ID,
		LowID:     dbConv.LowID,
		HighID:    dbConv.HighID,
		CreatedAt: dbConv.CreatedAt,
	}
	return nil
}

// Insert persists one message into the per-conversation bucket and
// records its location in the message index for later read-flag
// updates.
func (s *BboltStore) Insert(ctx context.Context, conversationID, senderID, text string) (models.Message, error) {
	dbMsg := DBMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        text,
		CreatedAt:      s.now().UnixMilli(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketConversations).Get([]byte(conversationID)) == nil {
			return fmt.Errorf("conversation %s not found", conversationID)
		}

		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := chatBucket.Put(dbMsg.Key(), data); err != nil {
			return err
		}

		// Index entry: message id -> conversation id + message key.
		indexValue := append([]byte(conversationID+"|"), dbMsg.Key()...)
		return tx.Bucket(bucketMessageIndex).Put([]byte(dbMsg.ID), indexValue)
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	return models.Message{
		ID:             dbMsg.ID,
		ConversationID: dbMsg.ConversationID,
		SenderID:       dbMsg.SenderID,
		Content:        dbMsg.Content,
		CreatedAt:      dbMsg.CreatedAt,
	}, nil
}

// FetchPage walks the conversation bucket backwards from the newest
// key, skipping page*pageSize entries. The keys already encode
// (timestamp, id) ordering, so no sort is needed.
func (s *BboltStore) FetchPage(ctx context.Context, conversationID string, page, pageSize int) ([]models.Message, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if page < 0 {
		page = 0
	}

	messages := make([]models.Message, 0, pageSize)
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if chatBucket == nil {
			return nil // No messages for this conversation yet.
		}

		c := chatBucket.Cursor()
		skip := page * pageSize
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if skip > 0 {
				skip--
				continue
			}
			if len(messages) == pageSize {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, models.Message{
				ID:             dbMsg.ID,
				ConversationID: dbMsg.ConversationID,
				SenderID:       dbMsg.SenderID,
				Content:        dbMsg.Content,
				CreatedAt:      dbMsg.CreatedAt,
				Read:           dbMsg.Read,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFetch, err)
	}
	return messages, nil
}

// MarkRead sets the read flag on a message located through the message
// index. Marking an already-read or unknown message is a no-op.
func (s *BboltStore) MarkRead(ctx context.Context, messageID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		indexValue := tx.Bucket(bucketMessageIndex).Get([]byte(messageID))
		if indexValue == nil {
			return nil
		}
		sep := bytes.IndexByte(indexValue, '|')
		if sep < 0 {
			return fmt.Errorf("corrupt index entry for message %s", messageID)
		}
		conversationID, msgKey := indexValue[:sep], indexValue[sep+1:]

		chatBucket := tx.Bucket(bucketMessages).Bucket(conversationID)
		if chatBucket == nil {
			return nil
		}
		data := chatBucket.Get(msgKey)
		if data == nil {
			return nil
		}

		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if dbMsg.Read {
			return nil
		}
		dbMsg.Read = true

		updated, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		return chatBucket.Put(msgKey, updated)
	})
}

// UpsertPushSubscription stores an opaque web push subscription blob
// for a participant.
func (s *BboltStore) UpsertPushSubscription(participantID string, subscription []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubs).Put([]byte(participantID), subscription)
	})
}

// GetPushSubscription returns the stored subscription blob, or
// models.ErrNotFound.
func (s *BboltStore) GetPushSubscription(participantID string) ([]byte, error) {
	var subscription []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPushSubs).Get([]byte(participantID))
		if data == nil {
			return models.ErrNotFound
		}
		subscription = append([]byte(nil), data...)
		return nil
	})
	return subscription, err
}
