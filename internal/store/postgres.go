package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"folio/internal/models"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PGConversation is the gorm mapping of a conversation row. The unique
// index over the canonical pair is what makes the fallback insert safe
// on this backend: a concurrent duplicate insert fails instead of
// silently creating a second row.
type PGConversation struct {
	ID        string `gorm:"primaryKey"`
	LowID     string `gorm:"uniqueIndex:idx_conversation_pair"`
	HighID    string `gorm:"uniqueIndex:idx_conversation_pair"`
	CreatedAt int64
}

func (PGConversation) TableName() string { return "conversations" }

type PGMessage struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"index:idx_message_conversation"`
	SenderID       string
	Content        string
	CreatedAt      int64 `gorm:"index:idx_message_conversation,sort:desc"`
	Read           bool
}

func (PGMessage) TableName() string { return "messages" }

// PostgresStore implements ConversationStore and MessageStore on a
// hosted relational database.
type PostgresStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.AutoMigrate(&PGConversation{}, &PGMessage{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func (s *PostgresStore) GetByPair(ctx context.Context, lowID, highID string) (models.Conversation, error) {
	var row PGConversation
	err := s.db.WithContext(ctx).
		Where("low_id = ? AND high_id = ?", lowID, highID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Conversation{}, models.ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return conversationFromRow(row), nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Conversation, error) {
	var row PGConversation
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Conversation{}, models.ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return conversationFromRow(row), nil
}

// FindOrCreate runs as a single statement so two participants opening
// the chat at the same moment get the same row back. The no-op DO
// UPDATE makes RETURNING yield the existing row on conflict.
func (s *PostgresStore) FindOrCreate(ctx context.Context, lowID, highID string) (models.Conversation, error) {
	var row PGConversation
	err := s.db.WithContext(ctx).Raw(`
		INSERT INTO conversations (id, low_id, high_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (low_id, high_id) DO UPDATE SET low_id = EXCLUDED.low_id
		RETURNING id, low_id, high_id, created_at
	`, uuid.NewString(), lowID, highID, s.now().UnixMilli()).Scan(&row).Error
	if err != nil {
		return models.Conversation{}, err
	}
	return conversationFromRow(row), nil
}

func (s *PostgresStore) Create(ctx context.Context, lowID, highID string) (models.Conversation, error) {
	row := PGConversation{
		ID:        uuid.NewString(),
		LowID:     lowID,
		HighID:    highID,
		CreatedAt: s.now().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the creation race; the winner's row is the canonical one.
			return s.GetByPair(ctx, lowID, highID)
		}
		return models.Conversation{}, err
	}
	return conversationFromRow(row), nil
}

func (s *PostgresStore) Insert(ctx context.Context, conversationID, senderID, text string) (models.Message, error) {
	row := PGMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        text,
		CreatedAt:      s.now().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return messageFromRow(row), nil
}

func (s *PostgresStore) FetchPage(ctx context.Context, conversationID string, page, pageSize int) ([]models.Message, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if page < 0 {
		page = 0
	}

	var rows []PGMessage
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(pageSize).
		Offset(page * pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFetch, err)
	}

	messages := make([]models.Message, len(rows))
	for i, row := range rows {
		messages[i] = messageFromRow(row)
	}
	return messages, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, messageID string) error {
	return s.db.WithContext(ctx).
		Model(&PGMessage{}).
		Where("id = ?", messageID).
		Update("read", true).Error
}

func conversationFromRow(row PGConversation) models.Conversation {
	return models.Conversation{
		ID:        row.ID,
		LowID:     row.LowID,
		HighID:    row.HighID,
		CreatedAt: row.CreatedAt,
	}
}

func messageFromRow(row PGMessage) models.Message {
	return models.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Content:        row.Content,
		CreatedAt:      row.CreatedAt,
		Read:           row.Read,
	}
}
