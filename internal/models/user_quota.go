package models

import "time"

// UserQuota holds the free requests left for a user until the next reset.
type UserQuota struct {
	Platform  string `gorm:"primaryKey;size:16"`
	UserID    string `gorm:"primaryKey;size:64"`
	Remaining int    `gorm:"not null"`
	ResetAt   time.Time
	UpdatedAt time.Time
}
