// Package watcher turns directory-change notifications into stable file-ready signals.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind classifies a raw filesystem event.
type EventKind int

const (
	KindCreate EventKind = iota
	KindModify
	KindRemove
	// KindRename is emitted for the old path of a move; the new path arrives as KindCreate.
	KindRename
	// KindError carries a notification backend error in Err.
	KindError
	// KindRootGone means the watched root itself was removed or moved away.
	KindRootGone
)

func (k EventKind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindModify:
		return "modify"
	case KindRemove:
		return "remove"
	case KindRename:
		return "rename"
	case KindError:
		return "error"
	case KindRootGone:
		return "root_gone"
	default:
		return "unknown"
	}
}

// RawEvent is one filesystem notification for a watched root.
type RawEvent struct {
	Root      string
	Path      string
	Kind      EventKind
	Timestamp time.Time
	Err       error
}

// ErrAlreadyWatched is returned when Watch is called twice for the same root.
var ErrAlreadyWatched = errors.New("root is already watched")

const eventBuffer = 256

// EventSource keeps one fsnotify watcher per root.
type EventSource struct {
	mu     sync.Mutex
	roots  map[string]*rootWatch
	logger *slog.Logger
}

type rootWatch struct {
	root      string
	recursive bool
	fsw       *fsnotify.Watcher
	out       chan RawEvent
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewEventSource creates an event source with no roots attached.
func NewEventSource(logger *slog.Logger) *EventSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSource{
		roots:  make(map[string]*rootWatch),
		logger: logger,
	}
}

// Watch attaches a watch to root and returns its event stream. With
// recursive set, existing and later-created subdirectories are watched too.
// The stream is closed by Unwatch.
func (s *EventSource) Watch(root string, recursive bool) (<-chan RawEvent, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absRoot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.roots[absRoot]; exists {
		return nil, ErrAlreadyWatched
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	rw := &rootWatch{
		root:      absRoot,
		recursive: recursive,
		fsw:       fsw,
		out:       make(chan RawEvent, eventBuffer),
		done:      make(chan struct{}),
	}

	if err := fsw.Add(absRoot); err != nil {
		fsw.Close()
		return nil, err
	}
	if recursive {
		if err := rw.addTree(absRoot, nil); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	rw.wg.Add(1)
	go rw.processEvents(s.logger.With("root", absRoot))

	s.roots[absRoot] = rw
	return rw.out, nil
}

// Unwatch detaches the watch on root and closes its stream. Unknown roots are a no-op.
func (s *EventSource) Unwatch(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rw, exists := s.roots[absRoot]
	delete(s.roots, absRoot)
	s.mu.Unlock()

	if !exists {
		return nil
	}
	return rw.stop()
}

// Close detaches every root.
func (s *EventSource) Close() error {
	s.mu.Lock()
	roots := s.roots
	s.roots = make(map[string]*rootWatch)
	s.mu.Unlock()

	var errs []error
	for _, rw := range roots {
		if err := rw.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Watching reports whether root currently has a watch attached.
func (s *EventSource) Watching(root string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.roots[absRoot]
	return ok
}

func (rw *rootWatch) stop() error {
	close(rw.done)
	err := rw.fsw.Close()
	rw.wg.Wait()
	close(rw.out)
	return err
}

// addTree watches every directory below dir. Files found are reported
// through found, used for directories that appear after the watch started.
func (rw *rootWatch) addTree(dir string, found func(path string)) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// Unreadable subtree, keep watching the rest
			return fs.SkipDir
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			if path != rw.root {
				if err := rw.fsw.Add(path); err != nil {
					return err
				}
			}
			return nil
		}
		if found != nil {
			found(path)
		}
		return nil
	})
}

// processEvents handles file system events from fsnotify.
func (rw *rootWatch) processEvents(logger *slog.Logger) {
	defer rw.wg.Done()

	for {
		select {
		case <-rw.done:
			return
		case event, ok := <-rw.fsw.Events:
			if !ok {
				return
			}
			rw.translate(event, logger)
		case err, ok := <-rw.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("watch error", "error", err)
			rw.emit(RawEvent{Kind: KindError, Err: err})
		}
	}
}

func (rw *rootWatch) translate(event fsnotify.Event, logger *slog.Logger) {
	path := filepath.Clean(event.Name)

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if path == rw.root {
			rw.emit(RawEvent{Path: path, Kind: KindRootGone})
			return
		}
		kind := KindRemove
		if event.Has(fsnotify.Rename) {
			kind = KindRename
		}
		rw.emit(RawEvent{Path: path, Kind: kind})

	case event.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err != nil {
			// Already gone again
			return
		}
		if info.IsDir() {
			if !rw.recursive || strings.HasPrefix(info.Name(), ".") {
				return
			}
			// Files may land before the new directory is watched
			err := rw.addTree(path, func(p string) {
				rw.emit(RawEvent{Path: p, Kind: KindCreate})
			})
			if err != nil {
				logger.Warn("failed to watch new directory", "path", path, "error", err)
			}
			return
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return
		}
		rw.emit(RawEvent{Path: path, Kind: KindCreate})

	case event.Has(fsnotify.Write):
		rw.emit(RawEvent{Path: path, Kind: KindModify})
	}
}

// emit blocks while the consumer is behind, but never after stop.
func (rw *rootWatch) emit(ev RawEvent) {
	ev.Root = rw.root
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case rw.out <- ev:
	case <-rw.done:
	}
}
