package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/deploybot/controller/internal/apperrors"
)

// ChatStore holds chat session and message state on behalf of the
// out-of-process assistant. The dispatch plane never reads or interprets
// this data — it only persists and returns it unchanged.
type ChatStore struct {
	db *gorm.DB
}

// NewChatStore returns a ChatStore backed by db.
func NewChatStore(db *gorm.DB) *ChatStore {
	return &ChatStore{db: db}
}

// CreateSession inserts a new chat session.
func (s *ChatStore) CreateSession(ctx context.Context, title string) (*ChatSession, error) {
	session := &ChatSession{Title: title}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("store: create chat session: %w", err)
	}
	return session, nil
}

// GetSession returns a chat session by id.
func (s *ChatStore) GetSession(ctx context.Context, id uuid.UUID) (*ChatSession, error) {
	var session ChatSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("store: get chat session: %w", err)
	}
	return &session, nil
}

// AppendMessage appends a message to a session, opaque role/content.
func (s *ChatStore) AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string) (*ChatMessage, error) {
	msg := &ChatMessage{SessionID: sessionID, Role: role, Content: content}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("store: append chat message: %w", err)
	}
	return msg, nil
}

// ListMessages returns every message for a session in creation order.
func (s *ChatStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]ChatMessage, error) {
	var msgs []ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list chat messages: %w", err)
	}
	return msgs, nil
}
