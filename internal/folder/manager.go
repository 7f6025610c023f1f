package folder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"snapname/internal/activity"
	"snapname/internal/broadcast"
	"snapname/internal/metrics"
	"snapname/internal/queue"
	"snapname/internal/store"
	"snapname/internal/watcher"
)

// DefaultDebounce is the quiet period used when none is configured.
const DefaultDebounce = 2 * time.Second

// Options configures how folders are observed.
type Options struct {
	Recursive bool
	Debounce  time.Duration
	Filter    *watcher.FileFilter
}

// Deps are the collaborators a Manager drives. Bus, Suppressor and Metrics may be nil.
type Deps struct {
	Repo       store.Repository
	Recorder   *activity.Recorder
	Bus        *broadcast.Broadcaster
	Queue      *queue.Queue
	Locks      *queue.KeyedMutex
	Source     *watcher.EventSource
	Suppressor *watcher.Suppressor
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Manager owns one runner per observed folder. Operations on the same
// folder are serialised; different folders proceed independently.
type Manager struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	ops    *queue.KeyedMutex

	mu      sync.Mutex
	base    context.Context // nil until Start
	runners map[string]*runner
	buffers map[string][]string // ready paths held while a folder is paused
	faults  sync.WaitGroup
}

// NewManager creates a Manager. Folders registered before Start are only persisted.
func NewManager(deps Deps, opts Options) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = queue.NewKeyedMutex()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Filter == nil {
		opts.Filter = watcher.NewFileFilter(nil, nil, nil)
	}
	return &Manager{
		deps:    deps,
		opts:    opts,
		logger:  deps.Logger,
		ops:     queue.NewKeyedMutex(),
		runners: make(map[string]*runner),
		buffers: make(map[string][]string),
	}
}

// Start restores folders from the store. Pending, Scanning and Active
// folders are scanned again; Paused and Error folders stay as they are.
// Runners live until Stop or until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	folders, err := m.deps.Repo.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load folders: %w", err)
	}

	var failures []string
	for i := range folders {
		f := &folders[i]
		if !observing(f.Status) {
			continue
		}
		if err := m.restore(ctx, f); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", f.Path, err))
		}
	}
	m.updateGauge(ctx)

	if len(failures) > 0 {
		return fmt.Errorf("failed to restore %d folder(s): %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}

func (m *Manager) restore(ctx context.Context, f *store.WatchedFolder) error {
	unlock := m.ops.Lock(f.ID)
	defer unlock()
	m.logger.Info("restoring folder", "folder_id", f.ID, "path", f.Path, "status", f.Status)
	return m.startRunner(ctx, f, nil)
}

// Stop tears down every runner without changing persisted statuses.
func (m *Manager) Stop() {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		unlock := m.ops.Lock(r.folder.ID)
		m.teardown(r)
		unlock()
	}
	m.faults.Wait()
}

// Register validates path, persists a new folder and starts observing it.
// A folder whose watch cannot be attached is returned in Error status.
// Before Start the folder is only persisted, as Pending.
func (m *Manager) Register(ctx context.Context, path, name string) (*store.WatchedFolder, error) {
	abs, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil || strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	abs = filepath.Clean(abs)
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, abs)
	}
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(abs)
	}

	f := &store.WatchedFolder{Path: abs, Name: strings.TrimSpace(name), Status: store.FolderPending}
	entry := &store.ActivityEntry{
		AssetPath: abs,
		Action:    store.ActionFolderRegistered,
		Status:    store.EntrySuccess,
		Details:   map[string]string{"name": f.Name},
	}
	err = m.deps.Repo.WithTx(ctx, func(tx store.Repository) error {
		if err := tx.CreateFolder(ctx, f); err != nil {
			return err
		}
		entry.FolderID = f.ID
		return m.deps.Recorder.RecordTx(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	m.deps.Recorder.Notify(entry)
	m.logger.Info("folder registered", "folder_id", f.ID, "path", f.Path)

	if !m.started() {
		// Start picks up Pending folders.
		return f, nil
	}

	unlock := m.ops.Lock(f.ID)
	defer unlock()
	if err := m.startRunner(ctx, f, nil); err != nil {
		m.logger.Warn("folder could not be observed", "folder_id", f.ID, "error", err)
	}
	return m.deps.Repo.GetFolder(ctx, f.ID)
}

// Pause stops observing a folder. Paths waiting in the debouncer or the
// queue are held and replayed on Resume.
func (m *Manager) Pause(ctx context.Context, id string) (*store.WatchedFolder, error) {
	unlock := m.ops.Lock(id)
	defer unlock()

	f, err := m.deps.Repo.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(f.Status, store.FolderPaused) {
		return nil, fmt.Errorf("%w: cannot pause a %s folder", ErrInvalidState, f.Status)
	}

	var held []string
	if r := m.runner(id); r != nil {
		held = m.teardown(r)
	}
	m.mu.Lock()
	m.buffers[id] = mergePaths(m.buffers[id], held)
	buffered := len(m.buffers[id])
	m.mu.Unlock()

	if err := m.transition(ctx, f, store.FolderPaused, "", store.ActionFolderPaused,
		map[string]string{"buffered": strconv.Itoa(buffered)}); err != nil {
		return nil, err
	}
	m.logger.Info("folder paused", "folder_id", id, "buffered", buffered)
	return m.deps.Repo.GetFolder(ctx, id)
}

// Resume restarts observation of a paused folder, replays held paths and
// rescans to pick up files added while it was detached.
func (m *Manager) Resume(ctx context.Context, id string) (*store.WatchedFolder, error) {
	if !m.started() {
		return nil, ErrNotRunning
	}
	unlock := m.ops.Lock(id)
	defer unlock()

	f, err := m.deps.Repo.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status != store.FolderPaused {
		return nil, fmt.Errorf("%w: cannot resume a %s folder", ErrInvalidState, f.Status)
	}

	m.mu.Lock()
	replay := m.buffers[id]
	delete(m.buffers, id)
	m.mu.Unlock()

	entry := &store.ActivityEntry{
		FolderID:  id,
		AssetPath: f.Path,
		Action:    store.ActionFolderResumed,
		Status:    store.EntrySuccess,
		Details:   map[string]string{"replayed": strconv.Itoa(len(replay))},
	}
	if err := m.deps.Recorder.Record(ctx, entry); err != nil {
		return nil, err
	}
	if err := m.startRunner(ctx, f, replay); err != nil {
		m.logger.Warn("folder could not be resumed", "folder_id", id, "error", err)
	}
	m.logger.Info("folder resumed", "folder_id", id, "replayed", len(replay))
	return m.deps.Repo.GetFolder(ctx, id)
}

// Rescan enumerates the folder again. Allowed from Active, Pending and Error.
func (m *Manager) Rescan(ctx context.Context, id string) (*store.WatchedFolder, error) {
	if !m.started() {
		return nil, ErrNotRunning
	}
	unlock := m.ops.Lock(id)
	defer unlock()

	f, err := m.deps.Repo.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}

	switch f.Status {
	case store.FolderScanning:
		return nil, ErrScanInProgress
	case store.FolderPaused:
		return nil, fmt.Errorf("%w: resume the folder instead", ErrInvalidState)
	}

	r := m.runner(id)
	if r == nil {
		// Error folders have no runner; start a fresh one.
		if err := m.startRunner(ctx, f, nil); err != nil {
			m.logger.Warn("rescan could not observe folder", "folder_id", id, "error", err)
		}
		return m.deps.Repo.GetFolder(ctx, id)
	}
	if err := m.beginScan(ctx, r, f, nil); err != nil {
		return nil, err
	}
	return m.deps.Repo.GetFolder(ctx, id)
}

// Remove stops observing a folder and deletes it. Suggestions and activity
// entries survive with their folder reference cleared.
func (m *Manager) Remove(ctx context.Context, id string) error {
	unlock := m.ops.Lock(id)
	defer unlock()

	f, err := m.deps.Repo.GetFolder(ctx, id)
	if err != nil {
		return err
	}

	if r := m.runner(id); r != nil {
		m.teardown(r)
	}
	m.mu.Lock()
	delete(m.buffers, id)
	m.mu.Unlock()
	m.deps.Queue.DropFolder(id)

	entry := &store.ActivityEntry{
		FolderID:  id,
		AssetPath: f.Path,
		Action:    store.ActionFolderRemoved,
		Status:    store.EntrySuccess,
		Details:   map[string]string{"name": f.Name},
	}

	// The folder lock keeps in-flight jobs from creating suggestions against
	// a half-deleted folder.
	release := m.deps.Locks.Lock(id)
	err = m.deps.Repo.WithTx(ctx, func(tx store.Repository) error {
		if err := m.deps.Recorder.RecordTx(ctx, tx, entry); err != nil {
			return err
		}
		return tx.DeleteFolder(ctx, id)
	})
	release()
	if err != nil {
		return err
	}

	entry.FolderID = ""
	m.deps.Recorder.Notify(entry)
	m.publish(broadcast.FolderRemoved, f)
	m.updateGauge(ctx)
	m.logger.Info("folder removed", "folder_id", id, "path", f.Path)
	return nil
}

// Get returns one folder.
func (m *Manager) Get(ctx context.Context, id string) (*store.WatchedFolder, error) {
	return m.deps.Repo.GetFolder(ctx, id)
}

// List returns every folder.
func (m *Manager) List(ctx context.Context) ([]store.WatchedFolder, error) {
	return m.deps.Repo.ListFolders(ctx)
}

// Buffered returns the number of paths held for a paused folder.
func (m *Manager) Buffered(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers[id])
}

// Observing reports whether the folder currently has a runner.
func (m *Manager) Observing(id string) bool {
	return m.runner(id) != nil
}

// startRunner attaches the watch, starts the event loop and the first
// scan. Called with the folder's op lock held. On failure the folder is
// moved to Error and the error returned.
func (m *Manager) startRunner(ctx context.Context, f *store.WatchedFolder, replay []string) error {
	events, err := m.deps.Source.Watch(f.Path, m.opts.Recursive)
	if err != nil {
		cause := fmt.Errorf("failed to watch %s: %w", f.Path, err)
		m.markError(ctx, f, cause)
		return cause
	}

	r := newRunner(m, m.baseContext(), f, events)
	m.mu.Lock()
	m.runners[f.ID] = r
	m.mu.Unlock()

	r.wg.Add(1)
	go r.loop()

	if err := m.beginScan(ctx, r, f, replay); err != nil {
		m.teardown(r)
		return err
	}
	return nil
}

// beginScan persists Scanning and launches the runner's scan.
func (m *Manager) beginScan(ctx context.Context, r *runner, f *store.WatchedFolder, replay []string) error {
	if !r.claimScan() {
		return ErrScanInProgress
	}
	if err := m.transition(ctx, f, store.FolderScanning, "", store.ActionScanStarted, nil); err != nil {
		r.releaseScan()
		return err
	}
	r.wg.Add(1)
	go r.scan(replay)
	return nil
}

// teardown stops a runner and returns every path it had not yet handed to
// a worker: debouncer timers, paths held during a scan and queued jobs.
// Called with the folder's op lock held.
func (m *Manager) teardown(r *runner) []string {
	r.cancel()
	if err := m.deps.Source.Unwatch(r.folder.Path); err != nil {
		m.logger.Warn("failed to detach watch", "folder_id", r.folder.ID, "error", err)
	}
	r.wg.Wait()

	held := r.debouncer.Drain()
	held = append(held, r.takeBuffer()...)
	for _, job := range m.deps.Queue.DropFolder(r.folder.ID) {
		held = append(held, job.Path)
	}

	m.mu.Lock()
	if m.runners[r.folder.ID] == r {
		delete(m.runners, r.folder.ID)
	}
	m.mu.Unlock()
	return mergePaths(nil, held)
}

// fault moves the runner's folder to Error unless the runner was already
// replaced or torn down.
func (m *Manager) fault(r *runner, cause error) {
	m.faults.Add(1)
	go func() {
		defer m.faults.Done()
		unlock := m.ops.Lock(r.folder.ID)
		defer unlock()

		if m.runner(r.folder.ID) != r {
			return
		}
		m.teardown(r)
		m.mu.Lock()
		delete(m.buffers, r.folder.ID)
		m.mu.Unlock()

		f, err := m.deps.Repo.GetFolder(m.baseContext(), r.folder.ID)
		if err != nil {
			m.logger.Error("failed to load faulted folder", "folder_id", r.folder.ID, "error", err)
			return
		}
		m.markError(m.baseContext(), f, cause)
	}()
}

// resync rescans a folder whose event stream lost events while its root
// is still usable. A scan already running is left to finish.
func (m *Manager) resync(r *runner) {
	m.faults.Add(1)
	go func() {
		defer m.faults.Done()
		unlock := m.ops.Lock(r.folder.ID)
		defer unlock()

		if m.runner(r.folder.ID) != r || r.ctx.Err() != nil {
			return
		}
		f, err := m.deps.Repo.GetFolder(r.ctx, r.folder.ID)
		if err != nil {
			m.logger.Error("failed to load folder for rescan", "folder_id", r.folder.ID, "error", err)
			return
		}
		if f.Status != store.FolderActive {
			return
		}
		if err := m.beginScan(r.ctx, r, f, nil); err != nil && !errors.Is(err, ErrScanInProgress) {
			m.logger.Error("failed to rescan after event loss", "folder_id", f.ID, "error", err)
		}
	}()
}

func (m *Manager) markError(ctx context.Context, f *store.WatchedFolder, cause error) {
	m.logger.Error("folder fault", "folder_id", f.ID, "path", f.Path, "error", cause)
	if err := m.transition(ctx, f, store.FolderError, cause.Error(), store.ActionError, nil); err != nil {
		m.logger.Error("failed to record folder fault", "folder_id", f.ID, "error", err)
	}
}

// transition persists a status change together with its activity entry.
func (m *Manager) transition(ctx context.Context, f *store.WatchedFolder, to store.FolderStatus, lastError string, action store.ActionType, details map[string]string) error {
	entry := &store.ActivityEntry{
		FolderID:     f.ID,
		AssetPath:    f.Path,
		Action:       action,
		Status:       store.EntrySuccess,
		ErrorMessage: lastError,
		Details:      details,
	}
	if to == store.FolderError {
		entry.Status = store.EntryFailure
	}

	err := m.deps.Repo.WithTx(ctx, func(tx store.Repository) error {
		if err := tx.SetFolderStatus(ctx, f.ID, to, lastError); err != nil {
			return err
		}
		return m.deps.Recorder.RecordTx(ctx, tx, entry)
	})
	if err != nil {
		return fmt.Errorf("failed to set folder %s to %s: %w", f.ID, to, err)
	}

	m.logger.Debug("folder status", "folder_id", f.ID, "status", to)
	m.deps.Recorder.Notify(entry)
	m.publishFolder(ctx, f.ID)
	m.updateGauge(ctx)
	return nil
}

func (m *Manager) runner(id string) *runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[id]
}

func (m *Manager) started() bool {
	return m.baseContext() != nil
}

func (m *Manager) baseContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base
}

func (m *Manager) publish(t broadcast.EventType, payload any) {
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(t, payload)
	}
}

func (m *Manager) publishFolder(ctx context.Context, id string) {
	if m.deps.Bus == nil {
		return
	}
	f, err := m.deps.Repo.GetFolder(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("failed to load folder for notification", "folder_id", id, "error", err)
		}
		return
	}
	m.deps.Bus.Publish(broadcast.FolderUpdated, f)
}

func (m *Manager) updateGauge(ctx context.Context) {
	if m.deps.Metrics == nil {
		return
	}
	folders, err := m.deps.Repo.ListFolders(ctx)
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, f := range folders {
		counts[string(f.Status)]++
	}
	m.deps.Metrics.SetFolderCounts(counts)
}

// mergePaths appends extra to base, dropping duplicates, and sorts the result.
func mergePaths(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, p := range list {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
