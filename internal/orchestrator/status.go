package orchestrator

import (
	"context"
	"time"

	"snapname/internal/store"
)

// FolderState is one folder as observers see it.
type FolderState struct {
	store.WatchedFolder
	Observing bool `json:"observing"`
	Buffered  int  `json:"buffered"`
	Queued    int  `json:"queued"`
}

// Snapshot is the full pipeline state an observer needs before following
// the incremental event stream.
type Snapshot struct {
	Folders     []FolderState                  `json:"folders"`
	Suggestions map[store.SuggestionStatus]int `json:"suggestions"`
	Open        int                            `json:"open"` // pending + approved + failed
	QueueDepth  int                            `json:"queue_depth"`
	QueueBusy   int                            `json:"queue_busy"`
	TakenAt     time.Time                      `json:"taken_at"`
}

// Snapshot reads folders and suggestion counts without changing anything.
func (a *App) Snapshot(ctx context.Context) (*Snapshot, error) {
	folders, err := a.Folders.List(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := a.Suggestions.Counts(ctx, "")
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Folders:     make([]FolderState, 0, len(folders)),
		Suggestions: counts,
		QueueDepth:  a.Queue.Depth(),
		QueueBusy:   a.Queue.Busy(),
		TakenAt:     time.Now().UTC(),
	}
	for _, f := range folders {
		snap.Folders = append(snap.Folders, FolderState{
			WatchedFolder: f,
			Observing:     a.Folders.Observing(f.ID),
			Buffered:      a.Folders.Buffered(f.ID),
			Queued:        a.Queue.Pending(f.ID),
		})
	}
	for _, s := range store.OpenStatuses {
		snap.Open += counts[s]
	}
	return snap, nil
}

// ByStatus counts folders per status.
func (s *Snapshot) ByStatus() map[store.FolderStatus]int {
	out := make(map[store.FolderStatus]int)
	for _, f := range s.Folders {
		out[f.Status]++
	}
	return out
}

// TotalFiles sums file counts across folders.
func (s *Snapshot) TotalFiles() int {
	total := 0
	for _, f := range s.Folders {
		total += f.FileCount
	}
	return total
}
