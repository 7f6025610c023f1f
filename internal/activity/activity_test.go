package activity

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapname/internal/broadcast"
	"snapname/internal/store"
)

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestRecorder_RecordNotifies(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	bus := broadcast.New(nil, nil)
	defer bus.Close()
	sub := bus.Subscribe(4)

	r := NewRecorder(repo, bus, nil)
	entry := &store.ActivityEntry{Action: store.ActionScanStarted, AssetPath: "/photos"}
	require.NoError(t, r.Record(ctx, entry))
	assert.NotEmpty(t, entry.ID)

	ev := <-sub.C
	assert.Equal(t, broadcast.ActivityAppended, ev.Type)
	assert.Same(t, entry, ev.Payload)

	entries, err := r.List(ctx, store.ActivityFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.EntrySuccess, entries[0].Status)
}

func TestRecorder_RecordTxRollsBackWithStateChange(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t)
	r := NewRecorder(repo, nil, nil)

	boom := errors.New("state change failed")
	err := repo.WithTx(ctx, func(tx store.Repository) error {
		if err := r.RecordTx(ctx, tx, &store.ActivityEntry{Action: store.ActionApproved}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := r.List(ctx, store.ActivityFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries, "entry must not outlive its rolled back transaction")

	require.NoError(t, repo.WithTx(ctx, func(tx store.Repository) error {
		return r.RecordTx(ctx, tx, &store.ActivityEntry{Action: store.ActionApproved})
	}))
	entries, err = r.List(ctx, store.ActivityFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	seed := func(t *testing.T) *store.SQLStore {
		repo := newTestStore(t)
		for _, age := range []int{1, 5, 10, 40, 100} {
			require.NoError(t, repo.AppendActivity(ctx, &store.ActivityEntry{
				Action:    store.ActionScanCompleted,
				CreatedAt: now.Add(-time.Duration(age) * 24 * time.Hour),
			}))
		}
		return repo
	}

	tests := []struct {
		name        string
		retention   int
		minimum     int
		wantDeleted int64
		wantDays    int
	}{
		{"unlimited", 0, 7, 0, 0},
		{"thirty days", 30, 7, 2, 30},
		{"minimum guard wins", 2, 7, 3, 7},
		{"default minimum", 1, 0, 3, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := seed(t)
			res, err := Cleanup(ctx, repo, tt.retention, tt.minimum, now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDeleted, res.Deleted)
			assert.Equal(t, tt.wantDays, res.EffectiveDays)

			left, err := repo.ListActivity(ctx, store.ActivityFilter{})
			require.NoError(t, err)
			assert.Len(t, left, 5-int(tt.wantDeleted))
		})
	}
}

func TestAggregate(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []store.ActivityEntry{
		{Action: store.ActionSuggestionCreated, CreatedAt: base.Add(time.Hour)},
		{Action: store.ActionSuggestionCreated, CreatedAt: base},
		{Action: store.ActionApproved, CreatedAt: base.Add(2 * time.Hour)},
		{Action: store.ActionRejected, CreatedAt: base.Add(2 * time.Hour)},
		{Action: store.ActionExecuted, FolderID: "a", CreatedAt: base.Add(3 * time.Hour)},
		{Action: store.ActionExecuted, FolderID: "a", CreatedAt: base.Add(3 * time.Hour)},
		{Action: store.ActionExecuted, FolderID: "b", CreatedAt: base.Add(3 * time.Hour)},
		{Action: store.ActionExecuted, FolderID: "c", Status: store.EntryFailure, CreatedAt: base.Add(4 * time.Hour)},
		{Action: store.ActionRollback, CreatedAt: base.Add(5 * time.Hour)},
		{Action: store.ActionError, Status: store.EntryFailure, CreatedAt: base.Add(6 * time.Hour)},
	}

	stats := Aggregate(entries, 1)
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 3, stats.Executed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Rollbacks)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, map[string]int{"a": 2}, stats.ByFolder)
	assert.Equal(t, base, stats.First)
	assert.Equal(t, base.Add(6*time.Hour), stats.Last)

	all := Aggregate(entries, 0)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, all.ByFolder)

	empty := Aggregate(nil, 5)
	assert.True(t, empty.First.IsZero())
	assert.Empty(t, empty.ByFolder)
}

func TestExportCSV(t *testing.T) {
	created := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	entries := []store.ActivityEntry{
		{
			ID:           "e1",
			FolderID:     "f1",
			SuggestionID: "s1",
			AssetPath:    "/photos/a, b.jpg",
			Action:       store.ActionExecuted,
			Status:       store.EntryFailure,
			ErrorMessage: "permission denied",
			Details:      map[string]string{"to": "/photos/sunset.jpg", "from": "/photos/a, b.jpg"},
			CreatedAt:    created,
		},
		{ID: "e2", Action: store.ActionScanStarted, Status: store.EntrySuccess, CreatedAt: created},
	}

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, entries))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{
		"e1", "2024-03-05T14:30:00Z", "executed", "failure", "f1", "s1",
		"/photos/a, b.jpg", "permission denied", "from=/photos/a, b.jpg;to=/photos/sunset.jpg",
	}, records[1])
	assert.Equal(t, "", records[2][4])
}
