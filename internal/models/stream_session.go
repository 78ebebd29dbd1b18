package models

import "time"

// Stream session statuses.
const (
	StreamActive    = "active"
	StreamCompleted = "completed"
	StreamExpired   = "expired"
)

// StreamSession is the database lease that keeps one reply in flight per
// user when several bot instances share a database. A row is active until
// released or until its heartbeat goes stale. ActiveKey carries a unique
// index so two instances racing to insert for the same user cannot both
// succeed.
type StreamSession struct {
	ID            uint       `gorm:"primaryKey;autoIncrement"`
	Token         string     `gorm:"size:26;not null;uniqueIndex"` // ULID
	Platform      string     `gorm:"size:16;not null;index:idx_stream_user"`
	UserID        string     `gorm:"size:64;not null;index:idx_stream_user"`
	ChatID        string     `gorm:"size:64"`
	Status        string     `gorm:"size:16;default:active;index"`
	ActiveKey     *string    `gorm:"size:96;uniqueIndex"` // platform:user_id while active, NULL after
	LastHeartbeat time.Time  `gorm:"index"`
	CreatedAt     time.Time
	CompletedAt   *time.Time
}
