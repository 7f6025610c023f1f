package activity

import (
	"context"
	"fmt"
	"time"

	"snapname/internal/store"
)

// DefaultMinRetentionDays is the floor applied when none is configured.
const DefaultMinRetentionDays = 7

// CleanupResult reports one retention pass.
type CleanupResult struct {
	Cutoff  time.Time
	Deleted int64
	// EffectiveDays is the retention applied after the minimum guard.
	EffectiveDays int
}

// Cleanup deletes entries older than retentionDays, but never anything
// younger than minRetentionDays. retentionDays 0 keeps everything.
func Cleanup(ctx context.Context, repo store.ActivityStore, retentionDays, minRetentionDays int, now time.Time) (*CleanupResult, error) {
	if retentionDays <= 0 {
		return &CleanupResult{}, nil
	}

	if minRetentionDays <= 0 {
		minRetentionDays = DefaultMinRetentionDays
	}
	days := max(retentionDays, minRetentionDays)

	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := repo.DeleteActivityBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to prune activity: %w", err)
	}

	return &CleanupResult{Cutoff: cutoff, Deleted: deleted, EffectiveDays: days}, nil
}
