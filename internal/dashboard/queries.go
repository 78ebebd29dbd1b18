package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// HistoryRow is one stored message as the API returns it.
type HistoryRow struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PlatformCount holds stored-history totals for a single platform.
type PlatformCount struct {
	Platform string `json:"platform"`
	Users    int64  `json:"users"`
	Messages int64  `json:"messages"`
}

// Stats summarises what the database holds.
type Stats struct {
	Messages       int64            `json:"messages"`
	Users          int64            `json:"users"`
	ByRole         map[string]int64 `json:"by_role"`
	Platforms      []PlatformCount  `json:"platforms"`
	ActiveLeases   int64            `json:"active_leases"`
	QuotaExhausted int64            `json:"quota_exhausted"`
}

// HistoryStats aggregates message counts by platform and role, plus the
// lease and quota tables.
func HistoryStats(ctx context.Context, db *gorm.DB) (*Stats, error) {
	db = db.WithContext(ctx)
	stats := &Stats{ByRole: map[string]int64{}, Platforms: []PlatformCount{}}

	if err := db.Model(&models.Conversation{}).
		Select("platform, count(distinct user_id) as users, count(*) as messages").
		Group("platform").
		Order("platform ASC").
		Scan(&stats.Platforms).Error; err != nil {
		return nil, fmt.Errorf("dashboard: platform totals: %w", err)
	}
	for _, p := range stats.Platforms {
		stats.Users += p.Users
		stats.Messages += p.Messages
	}

	type roleCount struct {
		Role  string
		Count int64
	}
	var roles []roleCount
	if err := db.Model(&models.Conversation{}).
		Select("role, count(*) as count").
		Group("role").
		Scan(&roles).Error; err != nil {
		return nil, fmt.Errorf("dashboard: role totals: %w", err)
	}
	for _, r := range roles {
		stats.ByRole[r.Role] = r.Count
	}

	if err := db.Model(&models.StreamSession{}).
		Where("status = ?", models.StreamActive).
		Count(&stats.ActiveLeases).Error; err != nil {
		return nil, fmt.Errorf("dashboard: active leases: %w", err)
	}
	if err := db.Model(&models.UserQuota{}).
		Where("remaining <= ?", 0).
		Count(&stats.QuotaExhausted).Error; err != nil {
		return nil, fmt.Errorf("dashboard: exhausted quotas: %w", err)
	}
	return stats, nil
}
