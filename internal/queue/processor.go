package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"snapname/internal/activity"
	"snapname/internal/analysis"
	"snapname/internal/metrics"
	"snapname/internal/store"
	"snapname/internal/suggestion"
)

// DefaultAnalysisTimeout bounds one call to the analyzer.
const DefaultAnalysisTimeout = 120 * time.Second

// ProcessorConfig tunes a Processor.
type ProcessorConfig struct {
	Template        string
	AnalysisTimeout time.Duration
}

// Processor turns one ready file into a pending suggestion.
type Processor struct {
	repo        store.Repository
	suggestions *suggestion.Service
	recorder    *activity.Recorder
	analyzer    analysis.Analyzer
	prober      analysis.Prober
	locks       *KeyedMutex
	metrics     *metrics.Metrics
	cfg         ProcessorConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewProcessor creates a Processor. prober and m may be nil. locks must be
// the same KeyedMutex the folder manager uses for counter updates.
func NewProcessor(repo store.Repository, svc *suggestion.Service, recorder *activity.Recorder, analyzer analysis.Analyzer, prober analysis.Prober, locks *KeyedMutex, m *metrics.Metrics, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = DefaultAnalysisTimeout
	}
	if cfg.Template == "" {
		cfg.Template = "{description}_{date}"
	}
	return &Processor{
		repo:        repo,
		suggestions: svc,
		recorder:    recorder,
		analyzer:    analyzer,
		prober:      prober,
		locks:       locks,
		metrics:     m,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Handle is the queue Handler.
func (p *Processor) Handle(ctx context.Context, job Job) {
	result, err := p.Process(ctx, job)
	p.metrics.JobDone(result)
	if err != nil && result != metrics.JobFailed {
		p.logger.Debug("job abandoned",
			"folder_id", job.FolderID,
			"path", job.Path,
			"error", err)
	}
}

// Process runs the pipeline for one job and reports its outcome as one of
// the metrics.Job* results. A returned error is informational: failures
// have already been recorded in the activity log.
func (p *Processor) Process(ctx context.Context, job Job) (string, error) {
	seen, err := p.seen(ctx, job)
	if err != nil {
		return metrics.JobFailed, p.fail(ctx, job, "lookup", err)
	}
	if seen {
		return metrics.JobDuplicate, nil
	}

	info, err := os.Stat(job.Path)
	if err != nil || info.IsDir() {
		return metrics.JobSkipped, nil
	}

	var md analysis.Metadata
	if p.prober != nil {
		md = p.prober.Probe(ctx, job.Path)
	}

	actx, cancel := context.WithTimeout(ctx, p.cfg.AnalysisTimeout)
	start := time.Now()
	res, err := p.analyzer.Analyze(actx, job.Path)
	cancel()
	p.metrics.ObserveAnalysis(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			// Paused, removed or shutting down.
			return metrics.JobSkipped, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("analysis timed out after %s: %w", p.cfg.AnalysisTimeout, err)
		}
		return metrics.JobFailed, p.fail(ctx, job, "analysis", err)
	}
	if res == nil {
		res = &analysis.Result{}
	}

	return p.suggest(ctx, job, res, md)
}

// seen reports whether the path should not be analysed again. Live events
// dedupe on open suggestions only. Backlog scans also skip any path the
// store has ever suggested for or produced by a rename.
func (p *Processor) seen(ctx context.Context, job Job) (bool, error) {
	if job.Source == SourceBacklog {
		return p.repo.PathKnown(ctx, job.Path)
	}
	_, err := p.repo.FindOpenSuggestion(ctx, job.Path)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// suggest renders the name and creates the suggestion under the folder lock.
func (p *Processor) suggest(ctx context.Context, job Job, res *analysis.Result, md analysis.Metadata) (string, error) {
	unlock := p.locks.Lock(job.FolderID)
	defer unlock()

	index := 1
	if job.FolderID != "" {
		f, err := p.repo.GetFolder(ctx, job.FolderID)
		if errors.Is(err, store.ErrNotFound) {
			return metrics.JobSkipped, nil
		}
		if err != nil {
			return metrics.JobFailed, p.fail(ctx, job, "store", err)
		}
		index = f.SuggestionCount + 1
	}

	name := analysis.Render(p.cfg.Template, analysis.RenderContext{
		Result:       res,
		Metadata:     md,
		OriginalPath: job.Path,
		Index:        index,
		Now:          p.now(),
	})

	sg, err := p.suggestions.Create(ctx, suggestion.CreateRequest{
		FolderID:      job.FolderID,
		Path:          job.Path,
		CandidateName: name + filepath.Ext(job.Path),
		Confidence:    res.Confidence.Or(0),
		Metadata:      toMetadata(res, md),
	})
	switch {
	case errors.Is(err, store.ErrOpenSuggestionExists):
		return metrics.JobDuplicate, nil
	case errors.Is(err, suggestion.ErrInvalidPath):
		// The file went away during analysis.
		return metrics.JobSkipped, nil
	case err != nil:
		return metrics.JobFailed, p.fail(ctx, job, "store", err)
	}

	p.logger.Debug("job done",
		"folder_id", job.FolderID,
		"path", job.Path,
		"suggestion_id", sg.ID,
		"source", job.Source.String(),
		"waited", time.Since(job.SubmittedAt))
	return metrics.JobSuggested, nil
}

// fail records an error entry for the job. No suggestion exists for the
// path afterwards, so the next change to the file triggers a new attempt.
func (p *Processor) fail(ctx context.Context, job Job, stage string, cause error) error {
	p.logger.Warn("job failed",
		"folder_id", job.FolderID,
		"path", job.Path,
		"stage", stage,
		"error", cause)

	entry := &store.ActivityEntry{
		FolderID:     job.FolderID,
		AssetPath:    job.Path,
		Action:       store.ActionError,
		Status:       store.EntryFailure,
		ErrorMessage: cause.Error(),
		Details: map[string]string{
			"stage":  stage,
			"source": job.Source.String(),
		},
	}
	if err := p.recorder.Record(ctx, entry); err != nil {
		p.logger.Error("failed to record job failure", "path", job.Path, "error", err)
	}
	return cause
}

func toMetadata(res *analysis.Result, md analysis.Metadata) store.AIMetadata {
	return store.AIMetadata{
		Description: res.Description.Or(""),
		Tags:        res.Tags.Or(nil),
		Scene:       res.Scene.Or(""),
		Width:       md.Width.Or(0),
		Height:      md.Height.Or(0),
		DurationS:   md.DurationS.Or(0),
		Codec:       md.Codec.Or(""),
		Format:      md.Format.Or(""),
		Model:       res.Model,
	}
}
