package telegraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// DefaultHeartbeatTimeout is the duration after which a lease's heartbeat
// is considered stale and the lock can be reclaimed.
const DefaultHeartbeatTimeout = 90 * time.Second

// ErrSessionActive is returned when the user already has a reply in flight.
var ErrSessionActive = errors.New("telegraph: session already active")

// Lease is a held single-flight lock for one user.
type Lease struct {
	Key      UserKey
	ChatID   string
	Token    string
	Acquired time.Time
}

// Locker grants at most one lease per user at a time.
type Locker interface {
	// Acquire returns ErrSessionActive if the user already holds a lease.
	Acquire(ctx context.Context, key UserKey, chatID string) (Lease, error)
	Heartbeat(ctx context.Context, lease Lease) error
	Release(ctx context.Context, lease Lease) error
}

func newToken() string { return ulid.Make().String() }

// MemoryLocker keeps leases in process memory. It is the default for a
// single bot instance.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[UserKey]string // key -> token
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[UserKey]string)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key UserKey, chatID string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return Lease{}, ErrSessionActive
	}
	lease := Lease{Key: key, ChatID: chatID, Token: newToken(), Acquired: time.Now()}
	l.held[key] = lease.Token
	return lease, nil
}

func (l *MemoryLocker) Heartbeat(ctx context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[lease.Key] != lease.Token {
		return fmt.Errorf("telegraph: heartbeat: lease %s not held", lease.Token)
	}
	return nil
}

// Release drops the lease if the token still matches.
func (l *MemoryLocker) Release(ctx context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[lease.Key] != lease.Token {
		return fmt.Errorf("telegraph: release lock: lease %s not held", lease.Token)
	}
	delete(l.held, lease.Key)
	return nil
}

// DBLocker keeps leases as StreamSession rows so several bot instances
// sharing a database serialize replies per user. A lease whose heartbeat
// is older than Timeout is expired on the next Acquire.
type DBLocker struct {
	db      *gorm.DB
	timeout time.Duration
}

var _ Locker = (*DBLocker)(nil)

// NewDBLocker creates a DBLocker. timeout <= 0 uses DefaultHeartbeatTimeout.
func NewDBLocker(db *gorm.DB, timeout time.Duration) (*DBLocker, error) {
	if db == nil {
		return nil, fmt.Errorf("telegraph: db locker: db is required")
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &DBLocker{db: db, timeout: timeout}, nil
}

// Acquire expires stale leases for the user, then creates a new one unless
// an active lease remains. The unique ActiveKey index settles races between
// instances that both found no active row.
func (l *DBLocker) Acquire(ctx context.Context, key UserKey, chatID string) (Lease, error) {
	var lease Lease
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		cutoff := now.Add(-l.timeout)

		// Expire stale active sessions for this user.
		if err := tx.Model(&models.StreamSession{}).
			Where("status = ? AND last_heartbeat < ? AND platform = ? AND user_id = ?",
				models.StreamActive, cutoff, key.Platform, key.UserID).
			Updates(map[string]interface{}{
				"status":       models.StreamExpired,
				"active_key":   nil,
				"completed_at": now,
			}).Error; err != nil {
			return fmt.Errorf("expire stale sessions: %w", err)
		}

		var existing models.StreamSession
		result := tx.Where("status = ? AND platform = ? AND user_id = ?",
			models.StreamActive, key.Platform, key.UserID).First(&existing)
		if result.Error == nil {
			return ErrSessionActive
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check existing session: %w", result.Error)
		}

		var err error
		lease, err = insertLease(tx, key, chatID, now)
		return err
	})
	if errors.Is(err, ErrSessionActive) {
		return Lease{}, ErrSessionActive
	}
	if err != nil {
		return Lease{}, fmt.Errorf("telegraph: acquire lock: %w", err)
	}
	return lease, nil
}

// activeKey is the value of StreamSession.ActiveKey for a live lease.
func activeKey(key UserKey) *string {
	k := key.Platform + ":" + key.UserID
	return &k
}

// insertLease creates the active row. A duplicate ActiveKey means another
// instance won the race and is reported as ErrSessionActive.
func insertLease(tx *gorm.DB, key UserKey, chatID string, now time.Time) (Lease, error) {
	row := models.StreamSession{
		Token:         newToken(),
		Platform:      key.Platform,
		UserID:        key.UserID,
		ChatID:        chatID,
		Status:        models.StreamActive,
		ActiveKey:     activeKey(key),
		LastHeartbeat: now,
	}
	if err := tx.Create(&row).Error; err != nil {
		if isDuplicateKey(tx, err) {
			return Lease{}, ErrSessionActive
		}
		return Lease{}, fmt.Errorf("create session: %w", err)
	}
	return Lease{Key: key, ChatID: chatID, Token: row.Token, Acquired: now}, nil
}

// isDuplicateKey reports whether err is a unique constraint violation,
// using the dialector's translator when TranslateError is off.
func isDuplicateKey(db *gorm.DB, err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if t, ok := db.Dialector.(gorm.ErrorTranslator); ok {
		return errors.Is(t.Translate(err), gorm.ErrDuplicatedKey)
	}
	return false
}

// Heartbeat refreshes LastHeartbeat for an active lease.
func (l *DBLocker) Heartbeat(ctx context.Context, lease Lease) error {
	result := l.db.WithContext(ctx).Model(&models.StreamSession{}).
		Where("token = ? AND status = ?", lease.Token, models.StreamActive).
		Update("last_heartbeat", time.Now())
	if result.Error != nil {
		return fmt.Errorf("telegraph: heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("telegraph: heartbeat: lease %s not found or not active", lease.Token)
	}
	return nil
}

// Release marks the lease completed.
func (l *DBLocker) Release(ctx context.Context, lease Lease) error {
	result := l.db.WithContext(ctx).Model(&models.StreamSession{}).
		Where("token = ? AND status = ?", lease.Token, models.StreamActive).
		Updates(map[string]interface{}{
			"status":       models.StreamCompleted,
			"active_key":   nil,
			"completed_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("telegraph: release lock: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("telegraph: release lock: lease %s not found or not active", lease.Token)
	}
	return nil
}
