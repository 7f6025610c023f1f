package folder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"snapname/internal/queue"
	"snapname/internal/scanner"
	"snapname/internal/store"
	"snapname/internal/watcher"
)

// runner observes one folder: it feeds raw events through a debouncer and
// hands ready paths to the queue, holding them back while a scan runs.
type runner struct {
	m         *Manager
	folder    store.WatchedFolder
	events    <-chan watcher.RawEvent
	debouncer *watcher.Debouncer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	failed sync.Once

	mu       sync.Mutex
	scanning bool
	buffer   []string            // ready paths that arrived during a scan
	seen     map[string]struct{} // paths already counted in file_count
}

func newRunner(m *Manager, parent context.Context, f *store.WatchedFolder, events <-chan watcher.RawEvent) *runner {
	ctx, cancel := context.WithCancel(parent)
	r := &runner{
		m:      m,
		folder: *f,
		events: events,
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]struct{}),
	}
	r.debouncer = watcher.NewDebouncer(m.opts.Debounce, r.ready)
	return r
}

func (r *runner) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.events:
			if !ok || !r.handle(ev) {
				return
			}
		}
	}
}

// handle routes one raw event. It returns false once the runner has failed.
func (r *runner) handle(ev watcher.RawEvent) bool {
	switch ev.Kind {
	case watcher.KindError:
		// Backend errors such as queue overflow lose events, not the folder.
		if err := rootUsable(r.folder.Path); err != nil {
			r.fail(fmt.Errorf("event source error: %w (%v)", ev.Err, err))
			return false
		}
		r.m.logger.Warn("event source error, rescanning", "folder_id", r.folder.ID, "error", ev.Err)
		r.m.resync(r)
	case watcher.KindRootGone:
		r.fail(fmt.Errorf("folder %s was removed or moved", r.folder.Path))
		return false
	case watcher.KindCreate, watcher.KindModify:
		if r.m.opts.Filter.Accept(ev.Path) {
			r.debouncer.Feed(ev)
		}
	default:
		r.debouncer.Feed(ev)
	}
	return true
}

// rootUsable reports why the folder root can no longer be observed, if it can't.
func rootUsable(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	f, err := os.Open(root)
	if err != nil {
		return err
	}
	return f.Close()
}

// ready is the debouncer callback.
func (r *runner) ready(path string) {
	if r.ctx.Err() != nil {
		// Torn down; the rescan on resume finds the file again.
		return
	}
	if s := r.m.deps.Suppressor; s != nil && s.Suppressed(path) {
		r.m.logger.Debug("ignoring self-produced file", "folder_id", r.folder.ID, "path", path)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// teardown collects the buffer under r.mu after cancelling.
	if r.ctx.Err() != nil {
		return
	}
	if r.scanning {
		r.buffer = append(r.buffer, path)
		return
	}
	r.submitLive(path)
}

// submitLive counts a newly seen path and queues it. Called with r.mu held.
func (r *runner) submitLive(path string) {
	if _, ok := r.seen[path]; !ok {
		r.seen[path] = struct{}{}
		unlock := r.m.deps.Locks.Lock(r.folder.ID)
		err := r.m.deps.Repo.AddFolderCounters(r.ctx, r.folder.ID, store.CounterDelta{Files: 1})
		unlock()
		if err != nil && r.ctx.Err() == nil {
			r.m.logger.Warn("failed to count file", "folder_id", r.folder.ID, "path", path, "error", err)
		}
	}
	r.m.deps.Queue.Submit(queue.Job{FolderID: r.folder.ID, Path: path, Source: queue.SourceLive})
}

func (r *runner) claimScan() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanning {
		return false
	}
	r.scanning = true
	return true
}

func (r *runner) releaseScan() {
	r.mu.Lock()
	r.scanning = false
	r.mu.Unlock()
}

func (r *runner) takeBuffer() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buffer
	r.buffer = nil
	return b
}

// scan enumerates the backlog, waits for it to be processed, then flushes
// live paths held during the scan and marks the folder Active.
func (r *runner) scan(replay []string) {
	defer r.wg.Done()

	files, err := r.runScan(replay)
	if err != nil {
		if r.ctx.Err() == nil && !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrQueueStopped) {
			r.fail(err)
		}
		// The buffer stays for teardown to collect.
		return
	}

	r.mu.Lock()
	held := r.buffer
	r.buffer = nil
	r.scanning = false
	for _, p := range held {
		r.submitLive(p)
	}
	r.mu.Unlock()

	if r.ctx.Err() != nil {
		return
	}
	err = r.m.transition(r.ctx, &r.folder, store.FolderActive, "", store.ActionScanCompleted,
		map[string]string{"files": strconv.Itoa(files), "held": strconv.Itoa(len(held))})
	if err != nil && r.ctx.Err() == nil {
		r.m.logger.Error("failed to complete scan", "folder_id", r.folder.ID, "error", err)
		return
	}
	r.m.logger.Info("scan completed", "folder_id", r.folder.ID, "files", files)
}

func (r *runner) runScan(replay []string) (int, error) {
	entries, err := scanner.Scan(r.ctx, r.folder.Path, scanner.ScanOptions{
		Recursive: r.m.opts.Recursive,
		Accept:    r.m.opts.Filter.Accept,
	})
	if err != nil {
		return 0, err
	}

	unlock := r.m.deps.Locks.Lock(r.folder.ID)
	err = r.m.deps.Repo.SetFileCount(r.ctx, r.folder.ID, len(entries))
	unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to set file count: %w", err)
	}

	r.mu.Lock()
	for _, e := range entries {
		r.seen[e.FullPath] = struct{}{}
	}
	r.mu.Unlock()

	for _, e := range entries {
		r.m.deps.Queue.Submit(queue.Job{FolderID: r.folder.ID, Path: e.FullPath, Source: queue.SourceBacklog})
	}

	r.mu.Lock()
	for _, p := range replay {
		r.submitLive(p)
	}
	r.mu.Unlock()

	if err := r.m.deps.Queue.WaitFolder(r.ctx, r.folder.ID); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (r *runner) fail(cause error) {
	r.failed.Do(func() {
		r.m.fault(r, cause)
	})
}
