package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"snapname/internal/analysis"
	"snapname/internal/analysis/mocks"
	"snapname/internal/broadcast"
	"snapname/internal/config"
	"snapname/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.DataDir, "snapname.db")
	cfg.Rename.BackupDir = filepath.Join(cfg.DataDir, "backups")
	cfg.Watch.DebounceMS = 50
	cfg.Queue.Workers = 2
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	return newGatedApp(t, cfg, nil)
}

// newGatedApp builds an App whose analyzer blocks until gate is closed.
// A nil gate never blocks.
func newGatedApp(t *testing.T, cfg *config.Config, gate <-chan struct{}) *App {
	t.Helper()
	if gate == nil {
		open := make(chan struct{})
		close(open)
		gate = open
	}
	ctrl := gomock.NewController(t)
	prober := mocks.NewMockProber(ctrl)
	prober.EXPECT().Probe(gomock.Any(), gomock.Any()).Return(analysis.Metadata{}).AnyTimes()
	analyzer := mocks.NewMockAnalyzer(ctrl)
	analyzer.EXPECT().Analyze(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, path string) (*analysis.Result, error) {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &analysis.Result{
				Description: analysis.Some("Red bicycle"),
				Confidence:  analysis.Some(0.9),
			}, nil
		}).AnyTimes()

	app, err := New(cfg, nil, WithAnalyzer(analyzer), WithProber(prober))
	require.NoError(t, err)
	return app
}

// gate returns a channel for newGatedApp and an idempotent release.
func gate() (chan struct{}, func()) {
	ch := make(chan struct{})
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

func (a *App) folderStatus(t *testing.T, id string) store.FolderStatus {
	t.Helper()
	f, err := a.Repo.GetFolder(context.Background(), id)
	require.NoError(t, err)
	return f.Status
}

func TestApp_FolderToRename(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	app := newApp(t, cfg)
	defer app.Close()
	require.NoError(t, app.Start(ctx))

	dir := t.TempDir()
	original := filepath.Join(dir, "IMG_0001.jpg")
	require.NoError(t, os.WriteFile(original, []byte("jpeg"), 0644))

	f, err := app.Folders.Register(ctx, dir, "camera")
	require.NoError(t, err)

	var sg *store.Suggestion
	require.Eventually(t, func() bool {
		sg, err = app.Repo.FindOpenSuggestion(ctx, original)
		return err == nil
	}, waitFor, tick)
	assert.Equal(t, f.ID, sg.FolderID)
	assert.True(t, strings.HasPrefix(sg.SuggestedName, "red_bicycle_"), sg.SuggestedName)

	_, err = app.Suggestions.Approve(ctx, sg.ID, "")
	require.NoError(t, err)
	res, err := app.Executor.Execute(ctx, sg.ID)
	require.NoError(t, err)
	assert.FileExists(t, res.Target)
	assert.NoFileExists(t, original)

	require.Eventually(t, func() bool {
		got, err := app.Repo.GetFolder(ctx, f.ID)
		return err == nil && got.Status == store.FolderActive
	}, waitFor, tick)

	snap, err := app.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Folders, 1)
	assert.True(t, snap.Folders[0].Observing)
	assert.Equal(t, 1, snap.Suggestions[store.SuggestionExecuted])
	assert.Equal(t, 0, snap.Open)
	assert.Equal(t, map[store.FolderStatus]int{store.FolderActive: 1}, snap.ByStatus())

	sum, err := app.Summarize(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Stats.Executed)
	assert.False(t, sum.HasErrors())
}

func TestApp_RegisterOfflineThenServe(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("png"), 0644))

	offline := newApp(t, cfg)
	f, err := offline.Folders.Register(ctx, dir, "")
	require.NoError(t, err)
	assert.Equal(t, store.FolderPending, f.Status)
	require.NoError(t, offline.Close())

	app := newApp(t, cfg)
	defer app.Close()
	require.NoError(t, app.Start(ctx))

	require.Eventually(t, func() bool {
		got, err := app.Repo.GetFolder(ctx, f.ID)
		return err == nil && got.Status == store.FolderActive && got.SuggestionCount == 1
	}, waitFor, tick)
}

func TestApp_BacklogOfTenReachesActive(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	hold, release := gate()
	app := newGatedApp(t, cfg, hold)
	defer app.Close()
	defer release()

	dir := t.TempDir()
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("IMG_%04d.jpg", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
	}
	f, err := app.Folders.Register(ctx, dir, "")
	require.NoError(t, err)
	assert.Equal(t, store.FolderPending, f.Status)

	sub := app.Bus.Subscribe(1024)
	defer sub.Cancel()
	require.NoError(t, app.Start(ctx))

	require.Eventually(t, func() bool { return app.folderStatus(t, f.ID) == store.FolderScanning }, waitFor, tick)
	release()
	require.Eventually(t, func() bool { return app.folderStatus(t, f.ID) == store.FolderActive }, waitFor, tick)

	statuses := []store.FolderStatus{f.Status}
	for drained := false; !drained; {
		select {
		case ev := <-sub.C:
			wf, ok := ev.Payload.(*store.WatchedFolder)
			if ev.Type != broadcast.FolderUpdated || !ok || wf.ID != f.ID {
				continue
			}
			if statuses[len(statuses)-1] != wf.Status {
				statuses = append(statuses, wf.Status)
			}
		default:
			drained = true
		}
	}
	assert.Equal(t, []store.FolderStatus{store.FolderPending, store.FolderScanning, store.FolderActive}, statuses)

	got, err := app.Repo.GetFolder(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.FileCount)

	suggestions, err := app.Suggestions.List(ctx, store.SuggestionFilter{FolderID: f.ID})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(suggestions), 10)
	assert.Len(t, suggestions, 10, "every backlog file is analysed once")

	entries, err := app.Repo.ListActivity(ctx, store.ActivityFilter{
		FolderID: f.ID,
		Actions:  []store.ActionType{store.ActionFolderRegistered, store.ActionScanStarted, store.ActionScanCompleted},
	})
	require.NoError(t, err)
	var actions []store.ActionType
	for i := len(entries) - 1; i >= 0; i-- {
		actions = append(actions, entries[i].Action)
	}
	assert.Equal(t, []store.ActionType{
		store.ActionFolderRegistered, store.ActionScanStarted, store.ActionScanCompleted,
	}, actions)
}

func TestApp_FileAddedWhilePausedMidScan(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Queue.Workers = 1
	hold, release := gate()
	app := newGatedApp(t, cfg, hold)
	defer app.Close()
	defer release()
	require.NoError(t, app.Start(ctx))

	dir := t.TempDir()
	var originals []string
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0644))
		originals = append(originals, path)
	}
	f, err := app.Folders.Register(ctx, dir, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return app.folderStatus(t, f.ID) == store.FolderScanning }, waitFor, tick)

	paused, err := app.Folders.Pause(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, store.FolderPaused, paused.Status)

	late := filepath.Join(dir, "late.jpg")
	require.NoError(t, os.WriteFile(late, []byte("late"), 0644))
	release()

	_, err = app.Folders.Resume(ctx, f.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return app.folderStatus(t, f.ID) == store.FolderActive }, waitFor, tick)

	for _, path := range append(originals, late) {
		require.Eventually(t, func() bool {
			_, err := app.Repo.FindOpenSuggestion(ctx, path)
			return err == nil
		}, waitFor, tick, "no suggestion for %s", path)
	}
	suggestions, err := app.Suggestions.List(ctx, store.SuggestionFilter{FolderID: f.ID})
	require.NoError(t, err)
	assert.Len(t, suggestions, 4)
}

func TestApp_Lifecycle(t *testing.T) {
	ctx := context.Background()
	app := newApp(t, testConfig(t))

	require.NoError(t, app.Start(ctx))
	assert.ErrorIs(t, app.Start(ctx), ErrAlreadyStarted)

	app.Stop()
	app.Stop()
	require.NoError(t, app.Close())
	require.NoError(t, app.Close())
	assert.ErrorIs(t, app.Start(ctx), ErrAlreadyStarted, "a closed app cannot restart")
}

func TestApp_Handler(t *testing.T) {
	app := newApp(t, testConfig(t))
	defer app.Close()
	h := app.Handler()

	for _, path := range []string{"/api/snapshot", "/metrics", "/api/folders"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestApp_Cleanup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Activity.RetentionDays = 1
	cfg.Activity.MinRetentionDays = 7
	app := newApp(t, cfg)
	defer app.Close()

	res, err := app.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, res.EffectiveDays, "minimum retention wins")
	assert.Zero(t, res.Deleted)
}
