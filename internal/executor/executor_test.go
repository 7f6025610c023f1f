package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"snapname/internal/activity"
	"snapname/internal/store"
	"snapname/internal/suggestion"
	"snapname/internal/watcher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

type fixture struct {
	repo *store.SQLStore
	svc  *suggestion.Service
	rec  *activity.Recorder
	sup  *watcher.Suppressor
	dir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = repo.Close()
	})
	rec := activity.NewRecorder(repo, nil, nil)
	return &fixture{
		repo: repo,
		svc:  suggestion.NewService(repo, rec, nil, nil, 0.5, nil),
		rec:  rec,
		sup:  watcher.NewSuppressor(time.Minute),
		dir:  t.TempDir(),
	}
}

func (f *fixture) executor(opts Options) *Executor {
	return New(f.svc, f.rec, f.sup, nil, opts, nil)
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// approved creates an approved suggestion for a new file.
func (f *fixture) approved(t *testing.T, file, content, name string, md store.AIMetadata) *store.Suggestion {
	t.Helper()
	ctx := context.Background()
	sg, err := f.svc.Create(ctx, suggestion.CreateRequest{
		Path:          f.write(t, file, content),
		CandidateName: "placeholder",
		Confidence:    0.9,
		Metadata:      md,
	})
	require.NoError(t, err)
	sg, err = f.svc.Approve(ctx, sg.ID, name)
	require.NoError(t, err)
	return sg
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestExecute_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sg := f.approved(t, "IMG_01.jpg", "original bytes", "beach_day.jpg", store.AIMetadata{})

	res, err := f.executor(Options{}).Execute(ctx, sg.ID)
	require.NoError(t, err)

	target := filepath.Join(f.dir, "beach_day.jpg")
	assert.Equal(t, target, res.Target)
	assert.Equal(t, "original bytes", readFile(t, target), "rename must not alter content")
	assert.NoFileExists(t, sg.OriginalPath)

	assert.Equal(t, store.SuggestionExecuted, res.Suggestion.Status)
	assert.Equal(t, target, res.Suggestion.ExecutedPath)
	assert.Len(t, res.Suggestion.ContentHash, 64)
	assert.True(t, f.sup.Suppressed(target), "our own rename must not be re-analysed")

	entries, err := f.repo.ListActivity(ctx, store.ActivityFilter{SuggestionID: sg.ID, Actions: []store.ActionType{store.ActionExecuted}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.EntrySuccess, entries[0].Status)
}

func TestExecute_KeepsExtension(t *testing.T) {
	f := newFixture(t)
	sg := f.approved(t, "clip.MOV", "v", "drone_flight", store.AIMetadata{})

	res, err := f.executor(Options{}).Execute(context.Background(), sg.ID)
	require.NoError(t, err)
	assert.Equal(t, "drone_flight.MOV", filepath.Base(res.Target))
}

func TestExecute_ConflictDoesNotOverwrite(t *testing.T) {
	f := newFixture(t)
	existing := f.write(t, "sunset.jpg", "already here")
	sg := f.approved(t, "IMG_01.jpg", "new photo", "sunset.jpg", store.AIMetadata{})

	res, err := f.executor(Options{ConflictPolicy: PolicyNumeric}).Execute(context.Background(), sg.ID)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(f.dir, "sunset_1.jpg"), res.Target)
	assert.Equal(t, "already here", readFile(t, existing))
	assert.Equal(t, "new photo", readFile(t, res.Target))
}

func TestExecute_TimestampPolicy(t *testing.T) {
	f := newFixture(t)
	f.write(t, "sunset.jpg", "already here")
	sg := f.approved(t, "IMG_01.jpg", "new photo", "sunset.jpg", store.AIMetadata{})

	ex := f.executor(Options{ConflictPolicy: PolicyTimestamp})
	ex.now = func() time.Time { return time.Date(2024, 3, 5, 14, 30, 15, 0, time.UTC) }

	res, err := ex.Execute(context.Background(), sg.ID)
	require.NoError(t, err)
	assert.Equal(t, "sunset_20240305-143015.jpg", filepath.Base(res.Target))
}

func TestExecute_Backup(t *testing.T) {
	f := newFixture(t)
	backups := filepath.Join(t.TempDir(), "backups")
	sg := f.approved(t, "IMG_01.jpg", "precious", "kept.jpg", store.AIMetadata{})

	res, err := f.executor(Options{BackupEnabled: true, BackupDir: backups}).Execute(context.Background(), sg.ID)
	require.NoError(t, err)

	want := filepath.Join(backups, sg.ID+"_IMG_01.jpg")
	assert.Equal(t, want, res.BackupPath)
	assert.Equal(t, "precious", readFile(t, want))
	assert.Equal(t, want, res.Suggestion.BackupPath)
	assert.NoFileExists(t, sg.OriginalPath)
}

func TestExecute_Relocation(t *testing.T) {
	f := newFixture(t)
	absDir := filepath.Join(t.TempDir(), "landscapes")
	opts := Options{Relocations: []Relocation{
		{Match: "portrait", Directory: "people"},
		{Match: "Landscape", Directory: absDir},
	}}

	byTag := f.approved(t, "a.jpg", "a", "mountains", store.AIMetadata{Tags: []string{"snow", "landscape"}})
	res, err := f.executor(opts).Execute(context.Background(), byTag.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(absDir, "mountains.jpg"), res.Target)

	byScene := f.approved(t, "b.jpg", "b", "anna", store.AIMetadata{Scene: "portrait"})
	res, err = f.executor(opts).Execute(context.Background(), byScene.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dir, "people", "anna.jpg"), res.Target)
}

func TestExecute_SourceVanished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	backups := filepath.Join(t.TempDir(), "backups")
	sg := f.approved(t, "IMG_01.jpg", "x", "gone.jpg", store.AIMetadata{})
	require.NoError(t, os.Remove(sg.OriginalPath))

	res, err := f.executor(Options{BackupEnabled: true, BackupDir: backups}).Execute(ctx, sg.ID)
	var rerr *RenameError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, SourceNotFound, rerr.Type)
	require.NotNil(t, res)
	assert.Equal(t, store.SuggestionFailed, res.Suggestion.Status)
	assert.Contains(t, res.Suggestion.ErrorMessage, "SOURCE_NOT_FOUND")

	entries, err := f.repo.ListActivity(ctx, store.ActivityFilter{SuggestionID: sg.ID, Status: store.EntryFailure})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.ActionExecuted, entries[0].Action)

	// Failed suggestions may be approved again once the cause is fixed.
	f.write(t, "IMG_01.jpg", "restored")
	_, err = f.svc.Approve(ctx, sg.ID, "")
	require.NoError(t, err)
	res, err = f.executor(Options{}).Execute(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SuggestionExecuted, res.Suggestion.Status)
}

func TestExecute_RequiresApproved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sg, err := f.svc.Create(ctx, suggestion.CreateRequest{
		Path: f.write(t, "a.jpg", "a"), CandidateName: "b", Confidence: 1,
	})
	require.NoError(t, err)

	_, err = f.executor(Options{}).Execute(ctx, sg.ID)
	assert.ErrorIs(t, err, suggestion.ErrInvalidTransition)
	assert.FileExists(t, sg.OriginalPath)

	got, err := f.svc.Get(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SuggestionPending, got.Status, "no state is mutated")

	_, err = f.svc.Reject(ctx, sg.ID)
	require.NoError(t, err)
	_, err = f.executor(Options{}).Execute(ctx, sg.ID)
	assert.ErrorIs(t, err, suggestion.ErrInvalidTransition, "rejected can never be executed")

	_, err = f.executor(Options{}).Execute(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecute_InProgress(t *testing.T) {
	f := newFixture(t)
	ex := f.executor(Options{})
	require.True(t, ex.acquire("s1"))
	_, err := ex.Execute(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrInProgress)
	ex.release("s1")
}

func TestUndo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ex := f.executor(Options{})
	sg := f.approved(t, "IMG_01.jpg", "content", "renamed.jpg", store.AIMetadata{})
	res, err := ex.Execute(ctx, sg.ID)
	require.NoError(t, err)

	undone, err := ex.Undo(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SuggestionExecuted, undone.Status)
	assert.Equal(t, "content", readFile(t, sg.OriginalPath))
	assert.NoFileExists(t, res.Target)
	assert.True(t, f.sup.Suppressed(sg.OriginalPath))

	entries, err := f.repo.ListActivity(ctx, store.ActivityFilter{Actions: []store.ActionType{store.ActionRollback}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.EntrySuccess, entries[0].Status)

	_, err = ex.Undo(ctx, sg.ID)
	var rerr *RenameError
	require.ErrorAs(t, err, &rerr, "a second undo finds nothing at the executed path")
	assert.Equal(t, SourceNotFound, rerr.Type)
}

func TestUndo_Refusals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ex := f.executor(Options{})

	t.Run("content changed", func(t *testing.T) {
		sg := f.approved(t, "a.jpg", "before", "a_renamed.jpg", store.AIMetadata{})
		res, err := ex.Execute(ctx, sg.ID)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(res.Target, []byte("edited"), 0644))

		_, err = ex.Undo(ctx, sg.ID)
		var rerr *RenameError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, IdentityMismatch, rerr.Type)
		assert.FileExists(t, res.Target)
	})

	t.Run("original path taken", func(t *testing.T) {
		sg := f.approved(t, "b.jpg", "b", "b_renamed.jpg", store.AIMetadata{})
		_, err := ex.Execute(ctx, sg.ID)
		require.NoError(t, err)
		f.write(t, "b.jpg", "newcomer")

		_, err = ex.Undo(ctx, sg.ID)
		var rerr *RenameError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, DestinationOccupied, rerr.Type)
		assert.Equal(t, "newcomer", readFile(t, sg.OriginalPath))
	})

	t.Run("not executed", func(t *testing.T) {
		sg := f.approved(t, "c.jpg", "c", "c_renamed.jpg", store.AIMetadata{})
		_, err := ex.Undo(ctx, sg.ID)
		assert.ErrorIs(t, err, ErrNotUndoable)
	})
}

func TestResolveConflict(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"sunset.jpg", "sunset_1.jpg", "sunset_2.jpg", "noext"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name     string
		filename string
		policy   string
		skip     string
		want     string
	}{
		{"free name", "beach.jpg", PolicyNumeric, "", "beach.jpg"},
		{"numeric", "sunset.jpg", PolicyNumeric, "", "sunset_3.jpg"},
		{"no extension", "noext", PolicyNumeric, "", "noext_1"},
		{"timestamp", "sunset.jpg", PolicyTimestamp, "", "sunset_20240102-030405.jpg"},
		{"source counts as free", "sunset.jpg", PolicyNumeric, filepath.Join(dir, "sunset.jpg"), "sunset.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveConflict(dir, tt.filename, tt.policy, now, tt.skip)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("timestamp taken falls back to numbers", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "sunset_20240102-030405.jpg"), nil, 0644))
		got, err := ResolveConflict(dir, "sunset.jpg", PolicyTimestamp, now, "")
		require.NoError(t, err)
		assert.Equal(t, "sunset_20240102-030405_1.jpg", got)
	})

	t.Run("name too long", func(t *testing.T) {
		_, err := ResolveConflict(dir, strings.Repeat("a", 300)+".jpg", PolicyNumeric, now, "")
		var rerr *RenameError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, ConflictExhausted, rerr.Type)
	})

	t.Run("suffix pushes past the limit", func(t *testing.T) {
		long := strings.Repeat("b", 251) + ".jpg"
		require.NoError(t, os.WriteFile(filepath.Join(dir, long), nil, 0644))
		_, err := ResolveConflict(dir, long, PolicyNumeric, now, "")
		var rerr *RenameError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, ConflictExhausted, rerr.Type)
	})
}

// Property: whatever names already exist, the resolved name is free,
// keeps the extension and never equals an existing file.
func TestProperty_ResolveConflictNeverOverwrites(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("resolved name is free", prop.ForAll(
		func(taken []int, timestamp bool) bool {
			dir, err := os.MkdirTemp("", "conflict-prop-*")
			if err != nil {
				return false
			}
			defer os.RemoveAll(dir)

			_ = os.WriteFile(filepath.Join(dir, "photo.png"), nil, 0644)
			for _, n := range taken {
				_ = os.WriteFile(filepath.Join(dir, fmt.Sprintf("photo_%d.png", n)), nil, 0644)
			}

			policy := PolicyNumeric
			if timestamp {
				policy = PolicyTimestamp
			}
			got, err := ResolveConflict(dir, "photo.png", policy, time.Now(), "")
			if err != nil {
				return false
			}
			return got != "photo.png" &&
				filepath.Ext(got) == ".png" &&
				strings.HasPrefix(got, "photo_") &&
				!fileExists(filepath.Join(dir, got))
		},
		gen.SliceOf(gen.IntRange(1, 20)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestCopyAndDelete(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0600))

	require.NoError(t, copyAndDelete(src, dst))
	assert.NoFileExists(t, src)
	assert.Equal(t, "payload", readFile(t, dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(src, []byte("again"), 0644))
	err = copyAndDelete(src, dst)
	var rerr *RenameError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DestinationOccupied, rerr.Type)
	assert.FileExists(t, src, "source untouched when the copy cannot be placed")

	err = copyAndDelete(filepath.Join(dir, "missing"), filepath.Join(dir, "x"))
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, SourceNotFound, rerr.Type)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestMoveFile_NeverReplaces(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.jpg")
	dst := filepath.Join(dir, "dst.jpg")
	require.NoError(t, os.WriteFile(src, []byte("incoming"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("resident"), 0644))

	err := moveFile(src, dst)
	var rerr *RenameError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DestinationOccupied, rerr.Type)
	assert.Equal(t, "incoming", readFile(t, src))
	assert.Equal(t, "resident", readFile(t, dst))

	free := filepath.Join(dir, "free.jpg")
	require.NoError(t, moveFile(src, free))
	assert.NoFileExists(t, src)
	assert.Equal(t, "incoming", readFile(t, free))
}

func TestExecute_ConcurrentSameNameKeepsEveryFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// Two executors stand in for two processes sharing the directory.
	executors := []*Executor{f.executor(Options{}), f.executor(Options{})}

	const n = 8
	payload := strings.Repeat("x", 1<<20)
	want := make(map[string]bool, n)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		content := fmt.Sprintf("%02d%s", i, payload)
		want[content[:2]] = true
		sg := f.approved(t, fmt.Sprintf("IMG_%02d.jpg", i), content, "sunset.jpg", store.AIMetadata{})
		ids = append(ids, sg.ID)
	}

	start := make(chan struct{})
	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			results[i], errs[i] = executors[i%len(executors)].Execute(ctx, id)
		}(i, id)
	}
	close(start)
	wg.Wait()

	targets := make(map[string]bool, n)
	got := make(map[string]bool, n)
	for i := range ids {
		require.NoError(t, errs[i])
		assert.False(t, targets[results[i].Target], "target %s claimed twice", results[i].Target)
		targets[results[i].Target] = true
		got[readFile(t, results[i].Target)[:2]] = true
	}
	assert.Equal(t, want, got, "every original survives the renames")
	assert.True(t, targets[filepath.Join(f.dir, "sunset.jpg")])
}

func TestIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	hash, err := contentHash(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hash)

	check, err := checkIdentity(path, hash)
	require.NoError(t, err)
	assert.Equal(t, identityOK, check)

	require.NoError(t, os.WriteFile(path, []byte("abd"), 0644))
	check, err = checkIdentity(path, hash)
	require.NoError(t, err)
	assert.Equal(t, identityChanged, check)

	check, err = checkIdentity(filepath.Join(dir, "nope"), hash)
	require.NoError(t, err)
	assert.Equal(t, identityMissing, check)

	_, err = contentHash(dir)
	assert.Error(t, err)
}
