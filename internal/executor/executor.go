// Package executor performs approved renames on disk and undoes them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"snapname/internal/activity"
	"snapname/internal/metrics"
	"snapname/internal/queue"
	"snapname/internal/store"
	"snapname/internal/suggestion"
	"snapname/internal/watcher"
)

// ErrInProgress is returned when the same suggestion is already being executed or undone.
var ErrInProgress = errors.New("suggestion is already being processed")

// ErrNotUndoable is returned by Undo for a suggestion that was never executed.
var ErrNotUndoable = errors.New("suggestion cannot be undone")

// Relocation sends files whose scene or one of whose tags equals Match into
// Directory. A relative Directory is resolved against the source's directory.
type Relocation struct {
	Match     string
	Directory string
}

// Options configures an Executor.
type Options struct {
	ConflictPolicy string
	BackupEnabled  bool
	BackupDir      string
	Relocations    []Relocation
}

// Result describes one execution.
type Result struct {
	Suggestion  *store.Suggestion
	Source      string
	Target      string
	BackupPath  string
	ContentHash string
}

// Executor renames files for approved suggestions.
type Executor struct {
	svc        *suggestion.Service
	recorder   *activity.Recorder
	suppressor *watcher.Suppressor
	metrics    *metrics.Metrics
	opts       Options
	logger     *slog.Logger
	now        func() time.Time

	dirs *queue.KeyedMutex // destination directories

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates an Executor. suppressor and m may be nil.
func New(svc *suggestion.Service, recorder *activity.Recorder, suppressor *watcher.Suppressor, m *metrics.Metrics, opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConflictPolicy == "" {
		opts.ConflictPolicy = PolicyNumeric
	}
	return &Executor{
		svc:        svc,
		recorder:   recorder,
		suppressor: suppressor,
		metrics:    m,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		dirs:       queue.NewKeyedMutex(),
		inFlight:   make(map[string]struct{}),
	}
}

// Execute renames the file of an approved suggestion. A state conflict is
// returned as *suggestion.TransitionError with nothing changed. Any
// filesystem failure leaves the original file in place, marks the
// suggestion failed and is returned as *RenameError alongside the result.
func (e *Executor) Execute(ctx context.Context, id string) (*Result, error) {
	if !e.acquire(id) {
		return nil, ErrInProgress
	}
	defer e.release(id)

	sg, err := e.svc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg.Status != store.SuggestionApproved {
		return nil, &suggestion.TransitionError{ID: id, From: sg.Status, To: store.SuggestionExecuted}
	}

	res, renameErr := e.rename(sg)
	if renameErr != nil {
		e.logger.Warn("rename failed",
			"suggestion_id", id,
			"path", sg.OriginalPath,
			"error", renameErr)
		e.metrics.RenameDone(metrics.RenameFailure)

		failed, err := e.svc.MarkFailed(ctx, id, renameErr, res.BackupPath)
		if err != nil {
			return nil, fmt.Errorf("failed to record rename failure: %w (rename: %v)", err, renameErr)
		}
		res.Suggestion = failed
		return res, renameErr
	}

	executed, err := e.svc.MarkExecuted(ctx, id, suggestion.Outcome{
		ExecutedPath: res.Target,
		BackupPath:   res.BackupPath,
		ContentHash:  res.ContentHash,
	})
	if err != nil {
		return nil, fmt.Errorf("renamed %s to %s but failed to record it: %w", res.Source, res.Target, err)
	}

	e.logger.Info("file renamed",
		"suggestion_id", id,
		"path", res.Source,
		"target", res.Target)
	e.metrics.RenameDone(metrics.RenameSuccess)
	res.Suggestion = executed
	return res, nil
}

// rename performs the filesystem side. The returned Result is never nil;
// on error it carries any backup that was made.
func (e *Executor) rename(sg *store.Suggestion) (*Result, error) {
	res := &Result{Source: sg.OriginalPath}

	info, err := os.Stat(sg.OriginalPath)
	if err != nil {
		return res, classify(sg.OriginalPath, err)
	}
	if info.IsDir() {
		return res, &RenameError{Type: SourceNotFound, Path: sg.OriginalPath, Err: errors.New("source is a directory")}
	}

	hash, err := contentHash(sg.OriginalPath)
	if err != nil {
		return res, classify(sg.OriginalPath, err)
	}
	res.ContentHash = hash

	if e.opts.BackupEnabled {
		if err := os.MkdirAll(e.opts.BackupDir, 0755); err != nil {
			return res, &RenameError{Type: BackupFailed, Path: e.opts.BackupDir, Err: err}
		}
		bp := backupPath(e.opts.BackupDir, sg.ID, sg.OriginalPath)
		e.suppress(bp)
		if err := copyFile(sg.OriginalPath, bp, os.O_TRUNC); err != nil {
			return res, &RenameError{Type: BackupFailed, Path: bp, Err: err}
		}
		res.BackupPath = bp
	}

	destDir := e.destinationDir(sg)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return res, classify(destDir, err)
	}

	// Name resolution and the move happen under the directory lock so two
	// renames cannot claim the same free name.
	unlock := e.dirs.Lock(destDir)
	defer unlock()

	name := withExtension(sg.SuggestedName, sg.OriginalPath)
	for attempt := 1; ; attempt++ {
		resolved, err := ResolveConflict(destDir, name, e.opts.ConflictPolicy, e.now(), sg.OriginalPath)
		if err != nil {
			return res, err
		}
		res.Target = filepath.Join(destDir, resolved)
		if res.Target == filepath.Clean(sg.OriginalPath) {
			return res, nil
		}

		e.suppress(res.Target)
		err = moveFile(sg.OriginalPath, res.Target)
		if err == nil {
			return res, nil
		}
		e.unsuppress(res.Target)

		// Another process took the name between resolution and the move.
		var renameErr *RenameError
		if attempt < maxMoveAttempts && errors.As(err, &renameErr) && renameErr.Type == DestinationOccupied {
			continue
		}
		return res, err
	}
}

// Undo moves an executed suggestion's file back to its original path.
// The suggestion stays executed; a rollback entry is recorded.
func (e *Executor) Undo(ctx context.Context, id string) (*store.Suggestion, error) {
	if !e.acquire(id) {
		return nil, ErrInProgress
	}
	defer e.release(id)

	sg, err := e.svc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg.Status != store.SuggestionExecuted || sg.ExecutedPath == "" {
		return nil, fmt.Errorf("%w: status is %s", ErrNotUndoable, sg.Status)
	}

	undoErr := e.undo(sg)
	entry := &store.ActivityEntry{
		FolderID:     sg.FolderID,
		SuggestionID: sg.ID,
		AssetPath:    sg.OriginalPath,
		Action:       store.ActionRollback,
		Status:       store.EntrySuccess,
		Details:      map[string]string{"from": sg.ExecutedPath, "to": sg.OriginalPath},
	}
	if undoErr != nil {
		entry.Status = store.EntryFailure
		entry.ErrorMessage = undoErr.Error()
	}
	if err := e.recorder.Record(ctx, entry); err != nil {
		e.logger.Error("failed to record rollback", "suggestion_id", id, "error", err)
	}

	if undoErr != nil {
		e.logger.Warn("undo failed", "suggestion_id", id, "error", undoErr)
		return sg, undoErr
	}

	e.logger.Info("rename undone",
		"suggestion_id", id,
		"path", sg.OriginalPath,
		"from", sg.ExecutedPath)
	e.metrics.RenameDone(metrics.RenameUndone)
	return sg, nil
}

func (e *Executor) undo(sg *store.Suggestion) error {
	if sg.ExecutedPath == sg.OriginalPath {
		return nil
	}

	if sg.ContentHash != "" {
		check, err := checkIdentity(sg.ExecutedPath, sg.ContentHash)
		if err != nil {
			return classify(sg.ExecutedPath, err)
		}
		switch check {
		case identityMissing:
			return &RenameError{Type: SourceNotFound, Path: sg.ExecutedPath}
		case identityChanged:
			return &RenameError{Type: IdentityMismatch, Path: sg.ExecutedPath, Err: errors.New("content changed since the rename")}
		}
	} else if !fileExists(sg.ExecutedPath) {
		return &RenameError{Type: SourceNotFound, Path: sg.ExecutedPath}
	}

	unlock := e.dirs.Lock(filepath.Dir(sg.OriginalPath))
	defer unlock()

	if fileExists(sg.OriginalPath) {
		return &RenameError{Type: DestinationOccupied, Path: sg.OriginalPath}
	}
	if err := os.MkdirAll(filepath.Dir(sg.OriginalPath), 0755); err != nil {
		return classify(sg.OriginalPath, err)
	}

	e.suppress(sg.OriginalPath)
	if err := moveFile(sg.ExecutedPath, sg.OriginalPath); err != nil {
		e.unsuppress(sg.OriginalPath)
		return err
	}
	return nil
}

func (e *Executor) destinationDir(sg *store.Suggestion) string {
	srcDir := filepath.Dir(sg.OriginalPath)
	labels := make([]string, 0, len(sg.Metadata.Tags)+1)
	if sg.Metadata.Scene != "" {
		labels = append(labels, sg.Metadata.Scene)
	}
	labels = append(labels, sg.Metadata.Tags...)

	for _, rule := range e.opts.Relocations {
		for _, label := range labels {
			if strings.EqualFold(rule.Match, label) {
				if filepath.IsAbs(rule.Directory) {
					return filepath.Clean(rule.Directory)
				}
				return filepath.Join(srcDir, rule.Directory)
			}
		}
	}
	return srcDir
}

// withExtension appends the source's extension when name has none.
func withExtension(name, source string) string {
	if filepath.Ext(name) != "" {
		return name
	}
	return name + filepath.Ext(source)
}

func (e *Executor) suppress(path string) {
	if e.suppressor != nil {
		e.suppressor.Suppress(path)
	}
}

func (e *Executor) unsuppress(path string) {
	if e.suppressor != nil {
		e.suppressor.Release(path)
	}
}

func (e *Executor) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}
