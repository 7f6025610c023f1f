// Package queue dispatches ready files to the analysis pipeline through a
// fixed pool of workers.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"snapname/internal/metrics"
)

// DefaultWorkers is the concurrency cap used when none is configured.
const DefaultWorkers = 5

// ErrQueueStopped is returned by WaitFolder once the queue has been stopped.
var ErrQueueStopped = errors.New("queue is stopped")

// Source tells the processor why a job exists.
type Source int

const (
	// SourceLive jobs come from filesystem notifications.
	SourceLive Source = iota
	// SourceBacklog jobs come from a folder scan.
	SourceBacklog
)

func (s Source) String() string {
	switch s {
	case SourceLive:
		return "live"
	case SourceBacklog:
		return "backlog"
	default:
		return "unknown"
	}
}

// Job is one file waiting to be analysed.
type Job struct {
	FolderID    string
	Path        string
	Source      Source
	SubmittedAt time.Time
}

// Handler processes a single job. It must return once ctx is done.
type Handler func(ctx context.Context, job Job)

// Queue is an unbounded FIFO drained by a fixed number of workers. A path
// is accepted at most once while it is queued or being handled.
type Queue struct {
	handler Handler
	workers int
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []Job
	paths    map[string]struct{}
	folders  map[string]int // queued plus in-flight jobs per folder
	changed  chan struct{}  // closed and replaced whenever a job leaves the queue
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight int
}

// New creates a Queue. workers <= 0 uses DefaultWorkers; m may be nil.
func New(handler Handler, workers int, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		handler: handler,
		workers: workers,
		metrics: m,
		logger:  logger,
		paths:   make(map[string]struct{}),
		folders: make(map[string]int),
		changed: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the workers. Handlers receive a context derived from ctx
// that is cancelled by Stop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true

	workCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(workCtx)
	}
	q.logger.Debug("queue started", "workers", q.workers)
}

// Stop cancels running handlers, waits for the workers to exit and
// discards whatever is still queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if q.cancel != nil {
		q.cancel()
	}
	discarded := len(q.pending)
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	q.pending = nil
	q.paths = make(map[string]struct{})
	q.folders = make(map[string]int)
	q.notifyLocked()
	q.mu.Unlock()
	q.metrics.SetQueueDepth(0)

	if discarded > 0 {
		q.logger.Info("queue stopped", "discarded", discarded)
	}
}

// Submit enqueues job. It reports false when the path is already queued
// or in flight, or when the queue is stopped.
func (q *Queue) Submit(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	if _, dup := q.paths[job.Path]; dup {
		return false
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	q.paths[job.Path] = struct{}{}
	q.folders[job.FolderID]++
	q.pending = append(q.pending, job)
	q.metrics.SetQueueDepth(len(q.pending))
	q.cond.Signal()
	return true
}

// DropFolder removes the folder's queued jobs and returns them in order.
// Jobs already being handled are not affected; use WaitFolder for those.
func (q *Queue) DropFolder(folderID string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []Job
	kept := q.pending[:0]
	for _, job := range q.pending {
		if job.FolderID == folderID {
			dropped = append(dropped, job)
			delete(q.paths, job.Path)
			q.release(job.FolderID)
			continue
		}
		kept = append(kept, job)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = Job{}
	}
	q.pending = kept
	q.metrics.SetQueueDepth(len(q.pending))
	if len(dropped) > 0 {
		q.notifyLocked()
	}
	return dropped
}

// WaitFolder blocks until the folder has no queued or in-flight jobs.
func (q *Queue) WaitFolder(ctx context.Context, folderID string) error {
	for {
		q.mu.Lock()
		if q.folders[folderID] == 0 {
			q.mu.Unlock()
			return nil
		}
		if q.stopped {
			q.mu.Unlock()
			return ErrQueueStopped
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Depth returns the number of queued jobs, excluding those in flight.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy returns the number of jobs currently being handled.
func (q *Queue) Busy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Pending returns the number of queued and in-flight jobs for a folder.
func (q *Queue) Pending(folderID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.folders[folderID]
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		job, ok := q.next()
		if !ok {
			return
		}
		q.run(ctx, job)
	}
}

func (q *Queue) next() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return Job{}, false
	}
	job := q.pending[0]
	q.pending[0] = Job{}
	q.pending = q.pending[1:]
	q.inFlight++
	q.metrics.SetQueueDepth(len(q.pending))
	return job, true
}

func (q *Queue) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job handler panicked",
				"folder_id", job.FolderID,
				"path", job.Path,
				"panic", r)
		}
		q.mu.Lock()
		q.inFlight--
		delete(q.paths, job.Path)
		q.release(job.FolderID)
		q.notifyLocked()
		q.mu.Unlock()
	}()
	q.handler(ctx, job)
}

func (q *Queue) release(folderID string) {
	if q.folders[folderID] <= 1 {
		delete(q.folders, folderID)
		return
	}
	q.folders[folderID]--
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
