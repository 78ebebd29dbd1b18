package telegraph

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/llm"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// HistoryStore persists per-user conversation history.
type HistoryStore interface {
	// Append stores one message. Role must be user, assistant or system.
	Append(ctx context.Context, key UserKey, role, content string) error
	// LastMessages returns up to limit of the newest messages, oldest first.
	LastMessages(ctx context.Context, key UserKey, limit int) ([]llm.Message, error)
	// Clear deletes a user's history and reports how many rows went.
	Clear(ctx context.Context, key UserKey) (int64, error)
	// PruneBefore deletes every message older than cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// Count reports how many messages are stored for a user.
	Count(ctx context.Context, key UserKey) (int64, error)
}

// ConversationStore is the gorm-backed HistoryStore.
type ConversationStore struct {
	db        *gorm.DB
	maxStored int
}

// ConversationStoreOpts holds parameters for creating a ConversationStore.
type ConversationStoreOpts struct {
	DB        *gorm.DB
	MaxStored int // rows kept per user; 0 keeps everything
}

var _ HistoryStore = (*ConversationStore)(nil)

// NewConversationStore creates a ConversationStore.
func NewConversationStore(opts ConversationStoreOpts) (*ConversationStore, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("telegraph: conversation store: db is required")
	}
	if opts.MaxStored < 0 {
		return nil, fmt.Errorf("telegraph: conversation store: max stored must not be negative")
	}
	return &ConversationStore{db: opts.DB, maxStored: opts.MaxStored}, nil
}

func validRole(role string) bool {
	switch role {
	case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem:
		return true
	}
	return false
}

func (cs *ConversationStore) userScope(ctx context.Context, key UserKey) *gorm.DB {
	return cs.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("platform = ? AND user_id = ?", key.Platform, key.UserID)
}

// Append stores one message and trims the user's history to MaxStored.
func (cs *ConversationStore) Append(ctx context.Context, key UserKey, role, content string) error {
	if !validRole(role) {
		return fmt.Errorf("telegraph: append: invalid role %q", role)
	}
	conv := models.Conversation{
		Platform: key.Platform,
		UserID:   key.UserID,
		Role:     role,
		Content:  content,
	}
	if err := cs.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return fmt.Errorf("telegraph: append %s message: %w", role, err)
	}
	if cs.maxStored > 0 {
		if err := cs.trim(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// trim deletes everything older than the user's MaxStored newest rows.
func (cs *ConversationStore) trim(ctx context.Context, key UserKey) error {
	var ids []uint
	err := cs.userScope(ctx, key).
		Order("id DESC").Offset(cs.maxStored).Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("telegraph: trim history: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	err = cs.db.WithContext(ctx).
		Where("platform = ? AND user_id = ? AND id <= ?", key.Platform, key.UserID, ids[0]).
		Delete(&models.Conversation{}).Error
	if err != nil {
		return fmt.Errorf("telegraph: trim history: %w", err)
	}
	return nil
}

// Entries returns up to limit of the newest stored rows, oldest first.
func (cs *ConversationStore) Entries(ctx context.Context, key UserKey, limit int) ([]models.Conversation, error) {
	var convos []models.Conversation
	q := cs.userScope(ctx, key).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&convos).Error; err != nil {
		return nil, fmt.Errorf("telegraph: load history: %w", err)
	}
	for i, j := 0, len(convos)-1; i < j; i, j = i+1, j-1 {
		convos[i], convos[j] = convos[j], convos[i]
	}
	return convos, nil
}

// LastMessages returns up to limit of the newest messages, oldest first.
func (cs *ConversationStore) LastMessages(ctx context.Context, key UserKey, limit int) ([]llm.Message, error) {
	convos, err := cs.Entries(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]llm.Message, 0, len(convos))
	for _, c := range convos {
		msgs = append(msgs, llm.Message{Role: c.Role, Content: c.Content})
	}
	return msgs, nil
}

// Clear deletes a user's history.
func (cs *ConversationStore) Clear(ctx context.Context, key UserKey) (int64, error) {
	result := cs.db.WithContext(ctx).
		Where("platform = ? AND user_id = ?", key.Platform, key.UserID).
		Delete(&models.Conversation{})
	if result.Error != nil {
		return 0, fmt.Errorf("telegraph: clear history: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PruneBefore deletes every message created before cutoff.
func (cs *ConversationStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := cs.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.Conversation{})
	if result.Error != nil {
		return 0, fmt.Errorf("telegraph: prune history: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Count reports how many messages are stored for a user.
func (cs *ConversationStore) Count(ctx context.Context, key UserKey) (int64, error) {
	var n int64
	if err := cs.userScope(ctx, key).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("telegraph: count history: %w", err)
	}
	return n, nil
}
