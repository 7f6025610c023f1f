// Package activity records the append-only audit trail of pipeline
// transitions and maintains it (retention, statistics, export).
package activity

import (
	"context"
	"fmt"
	"log/slog"

	"snapname/internal/broadcast"
	"snapname/internal/store"
)

// Recorder appends activity entries and announces them to observers.
type Recorder struct {
	repo   store.Repository
	bus    *broadcast.Broadcaster
	logger *slog.Logger
}

// NewRecorder creates a Recorder. bus may be nil.
func NewRecorder(repo store.Repository, bus *broadcast.Broadcaster, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, bus: bus, logger: logger}
}

// RecordTx appends e inside the transaction that performs the state change
// it describes. Call Notify once the transaction has committed.
func (r *Recorder) RecordTx(ctx context.Context, tx store.ActivityStore, e *store.ActivityEntry) error {
	if err := tx.AppendActivity(ctx, e); err != nil {
		return fmt.Errorf("failed to record %s: %w", e.Action, err)
	}
	return nil
}

// Record appends e on its own and notifies observers.
func (r *Recorder) Record(ctx context.Context, e *store.ActivityEntry) error {
	if err := r.repo.AppendActivity(ctx, e); err != nil {
		return fmt.Errorf("failed to record %s: %w", e.Action, err)
	}
	r.Notify(e)
	return nil
}

// Notify publishes committed entries.
func (r *Recorder) Notify(entries ...*store.ActivityEntry) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		r.logger.Debug("activity",
			"action", e.Action,
			"status", e.Status,
			"folder_id", e.FolderID,
			"suggestion_id", e.SuggestionID,
			"path", e.AssetPath)
		if r.bus != nil {
			r.bus.Publish(broadcast.ActivityAppended, e)
		}
	}
}

// List returns entries matching f, newest first.
func (r *Recorder) List(ctx context.Context, f store.ActivityFilter) ([]store.ActivityEntry, error) {
	return r.repo.ListActivity(ctx, f)
}
