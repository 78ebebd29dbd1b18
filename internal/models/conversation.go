package models

import "time"

// Conversation stores one turn of a user's chat history. Rows are never
// updated after insert.
type Conversation struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Platform  string    `gorm:"size:16;not null;index:idx_conv_user_time,priority:1"`
	UserID    string    `gorm:"size:64;not null;index:idx_conv_user_time,priority:2"`
	Role      string    `gorm:"size:16;not null"` // "user", "assistant", "system"
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index:idx_conv_user_time,priority:3"`
}
