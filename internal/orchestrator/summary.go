package orchestrator

import (
	"context"
	"fmt"
	"time"

	"snapname/internal/activity"
	"snapname/internal/store"
)

// summaryTopFolders bounds the per-folder breakdown.
const summaryTopFolders = 5

// Summary aggregates activity since a point in time.
type Summary struct {
	Since time.Time
	Stats *activity.Stats
}

// Summarize aggregates the activity log from since onwards. A zero since covers everything.
func (a *App) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	entries, err := a.Recorder.List(ctx, store.ActivityFilter{Since: since})
	if err != nil {
		return nil, err
	}
	return &Summary{Since: since, Stats: activity.Aggregate(entries, summaryTopFolders)}, nil
}

// HasErrors reports whether any rename or pipeline step failed in the window.
func (s *Summary) HasErrors() bool {
	return s.Stats.Failed > 0 || s.Stats.Errors > 0
}

// String renders a one-line summary.
func (s *Summary) String() string {
	st := s.Stats
	line := fmt.Sprintf("%d suggested, %d approved, %d rejected, %d renamed, %d undone",
		st.Created, st.Approved, st.Rejected, st.Executed, st.Rollbacks)
	if s.HasErrors() {
		line += fmt.Sprintf(", %d failed renames, %d errors", st.Failed, st.Errors)
	}
	return line
}
