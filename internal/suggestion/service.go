package suggestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"snapname/internal/activity"
	"snapname/internal/broadcast"
	"snapname/internal/metrics"
	"snapname/internal/store"
)

var (
	// ErrInvalidName is returned for a name that is empty or contains a path separator.
	ErrInvalidName = errors.New("invalid file name")
	// ErrInvalidPath is returned when the original path is relative, missing or a directory.
	ErrInvalidPath = errors.New("invalid original path")
)

// DefaultMinConfidence is the review threshold used when none is configured.
const DefaultMinConfidence = 0.5

// Service owns every suggestion state change.
type Service struct {
	repo          store.Repository
	recorder      *activity.Recorder
	bus           *broadcast.Broadcaster
	metrics       *metrics.Metrics
	minConfidence float64
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates a Service. bus and m may be nil.
func NewService(repo store.Repository, recorder *activity.Recorder, bus *broadcast.Broadcaster, m *metrics.Metrics, minConfidence float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Service{
		repo:          repo,
		recorder:      recorder,
		bus:           bus,
		metrics:       m,
		minConfidence: minConfidence,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// MinConfidence returns the review threshold.
func (s *Service) MinConfidence() float64 {
	return s.minConfidence
}

// CreateRequest describes one analysed file.
type CreateRequest struct {
	FolderID      string
	Path          string
	CandidateName string
	Confidence    float64
	Metadata      store.AIMetadata
}

// Create stores a pending suggestion and bumps the folder's analyzed and
// suggestion counters in the same transaction. It returns
// store.ErrOpenSuggestionExists when the path already has an open one.
// Callers serialise per folder.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Suggestion, error) {
	if !filepath.IsAbs(req.Path) {
		return nil, fmt.Errorf("%w: %s is not absolute", ErrInvalidPath, req.Path)
	}
	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidPath, req.Path)
	}
	name, err := ValidateName(req.CandidateName)
	if err != nil {
		return nil, err
	}

	confidence := clamp01(req.Confidence)
	sg := &store.Suggestion{
		FolderID:      req.FolderID,
		OriginalPath:  filepath.Clean(req.Path),
		SuggestedName: name,
		Confidence:    confidence,
		NeedsReview:   confidence < s.minConfidence,
		Metadata:      req.Metadata,
		Status:        store.SuggestionPending,
	}

	var entry *store.ActivityEntry
	err = s.repo.WithTx(ctx, func(tx store.Repository) error {
		if err := tx.CreateSuggestion(ctx, sg); err != nil {
			return err
		}
		entry = &store.ActivityEntry{
			FolderID:     sg.FolderID,
			SuggestionID: sg.ID,
			AssetPath:    sg.OriginalPath,
			Action:       store.ActionSuggestionCreated,
			Details: map[string]string{
				"suggested_name": sg.SuggestedName,
				"confidence":     fmt.Sprintf("%.2f", sg.Confidence),
			},
		}
		if err := s.recorder.RecordTx(ctx, tx, entry); err != nil {
			return err
		}
		if sg.FolderID != "" {
			return tx.AddFolderCounters(ctx, sg.FolderID, store.CounterDelta{Analyzed: 1, Suggestions: 1})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("suggestion created",
		"suggestion_id", sg.ID,
		"folder_id", sg.FolderID,
		"path", sg.OriginalPath,
		"suggested_name", sg.SuggestedName,
		"needs_review", sg.NeedsReview)
	s.metrics.SuggestionStatus(string(store.SuggestionPending))
	s.recorder.Notify(entry)
	s.publish(broadcast.SuggestionCreated, sg)
	s.publishFolder(ctx, sg.FolderID)
	return sg, nil
}

// Approve moves a pending or failed suggestion to approved. A non-empty
// override replaces the suggested name.
func (s *Service) Approve(ctx context.Context, id, override string) (*store.Suggestion, error) {
	upd := store.SuggestionUpdate{Status: store.SuggestionApproved}
	details := map[string]string{}
	if strings.TrimSpace(override) != "" {
		name, err := ValidateName(override)
		if err != nil {
			return nil, err
		}
		upd.SuggestedName = &name
		details["override"] = name
	}
	cleared := ""
	upd.ErrorMessage = &cleared

	return s.transition(ctx, id, upd, func(sg *store.Suggestion) *store.ActivityEntry {
		details["name"] = sg.SuggestedName
		return s.entryFor(sg, store.ActionApproved, store.EntrySuccess, "", details)
	})
}

// Edit replaces the suggested name of a pending suggestion. Any other
// status yields a *TransitionError.
func (s *Service) Edit(ctx context.Context, id, name string) (*store.Suggestion, error) {
	name, err := ValidateName(name)
	if err != nil {
		return nil, err
	}

	var (
		updated  *store.Suggestion
		e        *store.ActivityEntry
		previous string
	)
	err = s.repo.WithTx(ctx, func(tx store.Repository) error {
		current, err := tx.GetSuggestion(ctx, id)
		if err != nil {
			return err
		}
		previous = current.SuggestedName
		sg, err := tx.UpdateSuggestionStatus(ctx, id,
			[]store.SuggestionStatus{store.SuggestionPending},
			store.SuggestionUpdate{Status: store.SuggestionPending, SuggestedName: &name})
		if errors.Is(err, store.ErrStaleStatus) {
			return &TransitionError{ID: id, From: sg.Status, To: store.SuggestionPending}
		}
		if err != nil {
			return err
		}
		updated = sg
		e = s.entryFor(sg, store.ActionEdited, store.EntrySuccess, "",
			map[string]string{"from": previous, "to": name})
		return s.recorder.RecordTx(ctx, tx, e)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("suggestion edited",
		"suggestion_id", updated.ID,
		"from", previous,
		"suggested_name", updated.SuggestedName)
	s.recorder.Notify(e)
	s.publish(broadcast.SuggestionUpdated, updated)
	return updated, nil
}

// Reject closes a pending or failed suggestion for good.
func (s *Service) Reject(ctx context.Context, id string) (*store.Suggestion, error) {
	return s.transition(ctx, id, store.SuggestionUpdate{Status: store.SuggestionRejected},
		func(sg *store.Suggestion) *store.ActivityEntry {
			return s.entryFor(sg, store.ActionRejected, store.EntrySuccess, "", nil)
		})
}

// Outcome is what a successful rename produced.
type Outcome struct {
	ExecutedPath string
	BackupPath   string
	ContentHash  string
}

// MarkExecuted records a successful rename of an approved suggestion.
func (s *Service) MarkExecuted(ctx context.Context, id string, out Outcome) (*store.Suggestion, error) {
	now := s.now()
	upd := store.SuggestionUpdate{
		Status:       store.SuggestionExecuted,
		ExecutedPath: &out.ExecutedPath,
		ContentHash:  &out.ContentHash,
		ExecutedAt:   &now,
	}
	if out.BackupPath != "" {
		upd.BackupPath = &out.BackupPath
	}
	return s.transition(ctx, id, upd, func(sg *store.Suggestion) *store.ActivityEntry {
		details := map[string]string{"from": sg.OriginalPath, "to": out.ExecutedPath}
		if out.BackupPath != "" {
			details["backup"] = out.BackupPath
		}
		return s.entryFor(sg, store.ActionExecuted, store.EntrySuccess, "", details)
	})
}

// MarkFailed records a rename failure. The suggestion may be approved again.
func (s *Service) MarkFailed(ctx context.Context, id string, cause error, backupPath string) (*store.Suggestion, error) {
	msg := cause.Error()
	upd := store.SuggestionUpdate{Status: store.SuggestionFailed, ErrorMessage: &msg}
	if backupPath != "" {
		upd.BackupPath = &backupPath
	}
	return s.transition(ctx, id, upd, func(sg *store.Suggestion) *store.ActivityEntry {
		var details map[string]string
		if backupPath != "" {
			details = map[string]string{"backup": backupPath}
		}
		return s.entryFor(sg, store.ActionExecuted, store.EntryFailure, msg, details)
	})
}

// transition applies upd when the current status may move to upd.Status
// and records the activity entry built by entry in the same transaction.
func (s *Service) transition(ctx context.Context, id string, upd store.SuggestionUpdate, entry func(sg *store.Suggestion) *store.ActivityEntry) (*store.Suggestion, error) {
	from := sourcesOf(upd.Status)
	if upd.Status == store.SuggestionApproved || upd.Status == store.SuggestionRejected {
		now := s.now()
		upd.DecidedAt = &now
	}

	var (
		updated *store.Suggestion
		e       *store.ActivityEntry
	)
	err := s.repo.WithTx(ctx, func(tx store.Repository) error {
		sg, err := tx.UpdateSuggestionStatus(ctx, id, from, upd)
		if errors.Is(err, store.ErrStaleStatus) {
			return &TransitionError{ID: id, From: sg.Status, To: upd.Status}
		}
		if err != nil {
			return err
		}
		updated = sg
		e = entry(sg)
		return s.recorder.RecordTx(ctx, tx, e)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("suggestion updated",
		"suggestion_id", updated.ID,
		"status", updated.Status,
		"path", updated.OriginalPath)
	s.metrics.SuggestionStatus(string(updated.Status))
	s.recorder.Notify(e)
	s.publish(broadcast.SuggestionUpdated, updated)
	return updated, nil
}

func (s *Service) entryFor(sg *store.Suggestion, action store.ActionType, status store.EntryStatus, errMsg string, details map[string]string) *store.ActivityEntry {
	return &store.ActivityEntry{
		FolderID:     sg.FolderID,
		SuggestionID: sg.ID,
		AssetPath:    sg.OriginalPath,
		Action:       action,
		Status:       status,
		ErrorMessage: errMsg,
		Details:      details,
	}
}

// BatchResult is the outcome for one id of a batch decision.
type BatchResult struct {
	ID         string            `json:"id"`
	Suggestion *store.Suggestion `json:"suggestion,omitempty"`
	Error      string            `json:"error,omitempty"`
	Err        error             `json:"-"`
}

// BatchApprove approves each id independently. One failure never undoes
// the others.
func (s *Service) BatchApprove(ctx context.Context, ids []string) []BatchResult {
	return s.batch(ctx, ids, func(id string) (*store.Suggestion, error) {
		return s.Approve(ctx, id, "")
	})
}

// BatchReject rejects each id independently.
func (s *Service) BatchReject(ctx context.Context, ids []string) []BatchResult {
	return s.batch(ctx, ids, func(id string) (*store.Suggestion, error) {
		return s.Reject(ctx, id)
	})
}

func (s *Service) batch(ctx context.Context, ids []string, apply func(id string) (*store.Suggestion, error)) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			results = append(results, BatchResult{ID: id, Error: err.Error(), Err: err})
			continue
		}
		sg, err := apply(id)
		res := BatchResult{ID: id, Suggestion: sg}
		if err != nil {
			res.Err = err
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// Get returns one suggestion.
func (s *Service) Get(ctx context.Context, id string) (*store.Suggestion, error) {
	return s.repo.GetSuggestion(ctx, id)
}

// List returns suggestions matching f, newest first.
func (s *Service) List(ctx context.Context, f store.SuggestionFilter) ([]store.Suggestion, error) {
	return s.repo.ListSuggestions(ctx, f)
}

// Counts returns suggestion counts by status, for one folder or all when folderID is empty.
func (s *Service) Counts(ctx context.Context, folderID string) (map[store.SuggestionStatus]int, error) {
	return s.repo.CountSuggestionsByStatus(ctx, folderID)
}

func (s *Service) publish(t broadcast.EventType, payload any) {
	if s.bus != nil {
		s.bus.Publish(t, payload)
	}
}

func (s *Service) publishFolder(ctx context.Context, folderID string) {
	if s.bus == nil || folderID == "" {
		return
	}
	f, err := s.repo.GetFolder(ctx, folderID)
	if err != nil {
		s.logger.Debug("failed to load folder for notification", "folder_id", folderID, "error", err)
		return
	}
	s.bus.Publish(broadcast.FolderUpdated, f)
}

// ValidateName trims name and checks it is a bare file name.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case len(name) > 255:
		return "", fmt.Errorf("%w: longer than 255 bytes", ErrInvalidName)
	}
	return name, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
