package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"snapname/internal/activity"
	"snapname/internal/store"
)

func TestSummary_String(t *testing.T) {
	tests := []struct {
		name  string
		stats activity.Stats
		want  string
	}{
		{
			name: "empty",
			want: "0 suggested, 0 approved, 0 rejected, 0 renamed, 0 undone",
		},
		{
			name:  "clean run",
			stats: activity.Stats{Created: 4, Approved: 3, Rejected: 1, Executed: 3, Rollbacks: 1},
			want:  "4 suggested, 3 approved, 1 rejected, 3 renamed, 1 undone",
		},
		{
			name:  "with failures",
			stats: activity.Stats{Created: 2, Approved: 2, Executed: 1, Failed: 1, Errors: 2},
			want:  "2 suggested, 2 approved, 0 rejected, 1 renamed, 0 undone, 1 failed renames, 2 errors",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := tt.stats
			s := &Summary{Stats: &stats}
			assert.Equal(t, tt.want, s.String())
		})
	}
}

func TestSnapshot_Totals(t *testing.T) {
	snap := &Snapshot{Folders: []FolderState{
		{WatchedFolder: store.WatchedFolder{Status: store.FolderActive, FileCount: 3}},
		{WatchedFolder: store.WatchedFolder{Status: store.FolderActive, FileCount: 2}},
		{WatchedFolder: store.WatchedFolder{Status: store.FolderPaused, FileCount: 7}},
	}}
	assert.Equal(t, map[store.FolderStatus]int{store.FolderActive: 2, store.FolderPaused: 1}, snap.ByStatus())
	assert.Equal(t, 12, snap.TotalFiles())
}
