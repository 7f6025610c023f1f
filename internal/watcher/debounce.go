package watcher

import (
	"sort"
	"sync"
	"time"
)

// Debouncer delays a file-ready signal until activity on a path settles.
// Every event for a path restarts its timer, so a burst of writes yields
// exactly one callback after the quiet period.
type Debouncer struct {
	delay    time.Duration
	pending  map[string]*time.Timer
	callback func(path string)
	mu       sync.Mutex
}

// NewDebouncer creates a Debouncer that calls ready for each path once it has
// been quiet for delay.
func NewDebouncer(delay time.Duration, ready func(path string)) *Debouncer {
	return &Debouncer{
		delay:    delay,
		pending:  make(map[string]*time.Timer),
		callback: ready,
	}
}

// Feed applies one raw event. Creates and writes restart the path's timer.
// Removes and the old side of a move cancel it without a signal.
func (d *Debouncer) Feed(ev RawEvent) {
	switch ev.Kind {
	case KindCreate, KindModify:
		d.Add(ev.Path)
	case KindRemove, KindRename:
		d.Cancel(ev.Path)
	}
}

// Add schedules path, resetting any timer already running for it.
func (d *Debouncer) Add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, exists := d.pending[path]; exists {
		timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// A stopped timer may still run if it fired while Add, Cancel or
		// Drain held the lock; only the current timer may signal.
		if d.pending[path] != timer {
			d.mu.Unlock()
			return
		}
		delete(d.pending, path)
		d.mu.Unlock()

		if d.callback != nil {
			d.callback(path)
		}
	})
	d.pending[path] = timer
}

// Cancel removes a pending path. Unknown paths are a no-op.
func (d *Debouncer) Cancel(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, exists := d.pending[path]; exists {
		timer.Stop()
		delete(d.pending, path)
	}
}

// CancelAll cancels all pending timers.
func (d *Debouncer) CancelAll() {
	d.Drain()
}

// Drain cancels every pending timer and returns the paths that were waiting,
// sorted. Nothing drained will be signalled.
func (d *Debouncer) Drain() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	paths := make([]string, 0, len(d.pending))
	for path, timer := range d.pending {
		timer.Stop()
		paths = append(paths, path)
	}
	d.pending = make(map[string]*time.Timer)
	sort.Strings(paths)
	return paths
}

// PendingCount returns the number of paths waiting for their quiet period.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// IsPending reports whether path is waiting for its quiet period.
func (d *Debouncer) IsPending(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, exists := d.pending[path]
	return exists
}

// Delay returns the configured quiet period.
func (d *Debouncer) Delay() time.Duration {
	return d.delay
}
