package telegraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrQuotaExhausted is returned by Consume when the user has no free
// requests left until the next reset.
var ErrQuotaExhausted = errors.New("telegraph: quota exhausted")

// Unlimited is what Remaining reports when quotas are disabled.
const Unlimited = -1

// QuotaStore tracks free requests per user. All updates are single guarded
// statements, so concurrent sessions and bot instances cannot overspend.
type QuotaStore struct {
	db    *gorm.DB
	limit int
}

// QuotaStoreOpts holds parameters for creating a QuotaStore.
type QuotaStoreOpts struct {
	DB           *gorm.DB
	FreeRequests int // 0 disables quotas
}

// NewQuotaStore creates a QuotaStore.
func NewQuotaStore(opts QuotaStoreOpts) (*QuotaStore, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("telegraph: quota store: db is required")
	}
	if opts.FreeRequests < 0 {
		return nil, fmt.Errorf("telegraph: quota store: free requests must not be negative")
	}
	return &QuotaStore{db: opts.DB, limit: opts.FreeRequests}, nil
}

// Enabled reports whether quotas are enforced.
func (q *QuotaStore) Enabled() bool { return q != nil && q.limit > 0 }

func (q *QuotaStore) ensure(ctx context.Context, key UserKey) error {
	row := models.UserQuota{
		Platform:  key.Platform,
		UserID:    key.UserID,
		Remaining: q.limit,
		ResetAt:   time.Now(),
	}
	return q.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Consume takes one request from the user's allowance.
func (q *QuotaStore) Consume(ctx context.Context, key UserKey) error {
	if !q.Enabled() {
		return nil
	}
	if err := q.ensure(ctx, key); err != nil {
		return fmt.Errorf("telegraph: consume quota: %w", err)
	}
	result := q.db.WithContext(ctx).Model(&models.UserQuota{}).
		Where("platform = ? AND user_id = ? AND remaining > 0", key.Platform, key.UserID).
		Update("remaining", gorm.Expr("remaining - 1"))
	if result.Error != nil {
		return fmt.Errorf("telegraph: consume quota: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrQuotaExhausted
	}
	return nil
}

// Restore gives back one request, never exceeding the limit.
func (q *QuotaStore) Restore(ctx context.Context, key UserKey) error {
	if !q.Enabled() {
		return nil
	}
	err := q.db.WithContext(ctx).Model(&models.UserQuota{}).
		Where("platform = ? AND user_id = ? AND remaining < ?", key.Platform, key.UserID, q.limit).
		Update("remaining", gorm.Expr("remaining + 1")).Error
	if err != nil {
		return fmt.Errorf("telegraph: restore quota: %w", err)
	}
	return nil
}

// Remaining reports the user's allowance, or Unlimited.
func (q *QuotaStore) Remaining(ctx context.Context, key UserKey) (int, error) {
	if !q.Enabled() {
		return Unlimited, nil
	}
	var row models.UserQuota
	err := q.db.WithContext(ctx).
		Where("platform = ? AND user_id = ?", key.Platform, key.UserID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return q.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("telegraph: remaining quota: %w", err)
	}
	return row.Remaining, nil
}

// ResetAll refills every user's allowance.
func (q *QuotaStore) ResetAll(ctx context.Context) (int64, error) {
	if !q.Enabled() {
		return 0, nil
	}
	result := q.db.WithContext(ctx).Model(&models.UserQuota{}).
		Where("remaining <> ?", q.limit).
		Updates(map[string]interface{}{
			"remaining": q.limit,
			"reset_at":  time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("telegraph: reset quotas: %w", result.Error)
	}
	return result.RowsAffected, nil
}
