// Package orchestrator wires the pipeline together: store, broadcaster,
// suggestion service, processing queue, folder manager and executor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"snapname/internal/activity"
	"snapname/internal/analysis"
	"snapname/internal/api"
	"snapname/internal/broadcast"
	"snapname/internal/config"
	"snapname/internal/executor"
	"snapname/internal/folder"
	"snapname/internal/logging"
	"snapname/internal/metrics"
	"snapname/internal/queue"
	"snapname/internal/store"
	"snapname/internal/suggestion"
	"snapname/internal/watcher"
)

// RetentionInterval is how often the activity retention policy runs while serving.
const RetentionInterval = 24 * time.Hour

const mqttConnectTimeout = 10 * time.Second

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("pipeline already started")

// Option customises an App.
type Option func(*App)

// WithAnalyzer replaces the vision model client.
func WithAnalyzer(a analysis.Analyzer) Option {
	return func(app *App) { app.analyzer = a }
}

// WithProber replaces the metadata prober.
func WithProber(p analysis.Prober) Option {
	return func(app *App) { app.prober = p }
}

// App owns every long-lived component. Build it with New; Start begins
// observing folders, Close releases everything.
type App struct {
	cfg    *config.Config
	base   *slog.Logger
	logger *slog.Logger

	Repo        *store.SQLStore
	Metrics     *metrics.Metrics
	Bus         *broadcast.Broadcaster
	Recorder    *activity.Recorder
	Suggestions *suggestion.Service
	Folders     *folder.Manager
	Executor    *executor.Executor
	Queue       *queue.Queue

	mqtt       *broadcast.MQTTSink
	source     *watcher.EventSource
	suppressor *watcher.Suppressor
	analyzer   analysis.Analyzer
	prober     analysis.Prober

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// New builds the pipeline from cfg without starting it.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{cfg: cfg, base: logger, logger: logging.ForComponent(logger, "orchestrator")}
	for _, opt := range opts {
		opt(app)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	app.Repo = repo

	m, err := metrics.New()
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	app.Metrics = m

	var sinks []broadcast.Sink
	if cfg.MQTT.Enabled {
		app.mqtt = broadcast.NewMQTTSink(broadcast.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logging.ForComponent(logger, "mqtt"))
		sinks = append(sinks, app.mqtt)
	}
	app.Bus = broadcast.New(logging.ForComponent(logger, "broadcast"), m, sinks...)
	app.Recorder = activity.NewRecorder(repo, app.Bus, logging.ForComponent(logger, "activity"))
	app.Suggestions = suggestion.NewService(repo, app.Recorder, app.Bus, m,
		cfg.Suggestions.MinConfidence, logging.ForComponent(logger, "suggestion"))

	debounce := cfg.Watch.Debounce()
	app.suppressor = watcher.NewSuppressor(max(time.Minute, 10*debounce))

	fileProber := analysis.NewFileProber(cfg.Probe.FFprobePath, cfg.Probe.FFmpegPath, cfg.Watch.VideoExtensions,
		time.Duration(cfg.Probe.CacheTTLMinutes)*time.Minute, logging.ForComponent(logger, "probe"))
	if app.prober == nil {
		app.prober = fileProber
	}
	if app.analyzer == nil {
		app.analyzer = analysis.NewOllamaClient(cfg.Analyzer.BaseURL, cfg.Analyzer.APIKey, cfg.Analyzer.Model,
			fileProber, cfg.Watch.VideoExtensions)
	}

	locks := queue.NewKeyedMutex()
	proc := queue.NewProcessor(repo, app.Suggestions, app.Recorder, app.analyzer, app.prober, locks, m,
		queue.ProcessorConfig{
			Template:        cfg.Suggestions.Template,
			AnalysisTimeout: cfg.Queue.AnalysisTimeout(),
		}, logging.ForComponent(logger, "processor"))
	app.Queue = queue.New(proc.Handle, cfg.Queue.Workers, m, logging.ForComponent(logger, "queue"))

	app.source = watcher.NewEventSource(logging.ForComponent(logger, "watcher"))
	app.Folders = folder.NewManager(folder.Deps{
		Repo:       repo,
		Recorder:   app.Recorder,
		Bus:        app.Bus,
		Queue:      app.Queue,
		Locks:      locks,
		Source:     app.source,
		Suppressor: app.suppressor,
		Metrics:    m,
		Logger:     logging.ForComponent(logger, "folder"),
	}, folder.Options{
		Recursive: cfg.Watch.Recursive,
		Debounce:  debounce,
		Filter:    watcher.NewFileFilter(cfg.Watch.IgnorePatterns, cfg.Watch.ImageExtensions, cfg.Watch.VideoExtensions),
	})

	relocations := make([]executor.Relocation, 0, len(cfg.Rename.Relocations))
	for _, r := range cfg.Rename.Relocations {
		relocations = append(relocations, executor.Relocation{Match: r.Match, Directory: r.Directory})
	}
	app.Executor = executor.New(app.Suggestions, app.Recorder, app.suppressor, m, executor.Options{
		ConflictPolicy: cfg.Rename.ConflictPolicy,
		BackupEnabled:  cfg.Rename.BackupEnabled,
		BackupDir:      cfg.Rename.BackupDir,
		Relocations:    relocations,
	}, logging.ForComponent(logger, "executor"))

	return app, nil
}

// Config returns the configuration the App was built with.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Start connects the optional MQTT sink, starts the workers, restores
// folders and schedules retention. Folders that cannot be restored are
// logged; they are left in Error.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.closed {
		return ErrAlreadyStarted
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.started = true

	if a.mqtt != nil {
		connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		if err := a.mqtt.Connect(connectCtx); err != nil {
			a.logger.Warn("MQTT broker unavailable, events will be retried", "broker", a.cfg.MQTT.Broker, "error", err)
		}
		cancel()
	}

	a.Queue.Start(ctx)
	if err := a.Folders.Start(ctx); err != nil {
		a.logger.Warn("folders restored with errors", "error", err)
	}

	a.wg.Add(1)
	go a.retentionLoop(ctx)

	a.logger.Info("pipeline started", "workers", a.cfg.Queue.Workers, "db", a.cfg.DBPath)
	return nil
}

// Stop halts observation and the workers. Persisted folder statuses are
// left as they are so the next Start resumes them.
func (a *App) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	cancel := a.cancel
	a.mu.Unlock()

	a.Folders.Stop()
	a.Queue.Stop()
	cancel()
	a.wg.Wait()
	a.logger.Info("pipeline stopped")
}

// Close stops the pipeline if it runs and releases every resource.
func (a *App) Close() error {
	a.Stop()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var errs []error
	if err := a.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close watcher: %w", err))
	}
	a.Bus.Close()
	if a.mqtt != nil {
		_ = a.mqtt.Close()
	}
	if err := a.Repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}

// Cleanup applies the activity retention policy once.
func (a *App) Cleanup(ctx context.Context) (*activity.CleanupResult, error) {
	res, err := activity.Cleanup(ctx, a.Repo, a.cfg.Activity.RetentionDays, a.cfg.Activity.MinRetentionDays, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if res.Deleted > 0 {
		a.logger.Info("activity pruned", "deleted", res.Deleted, "retention_days", res.EffectiveDays)
	}
	return res, nil
}

func (a *App) retentionLoop(ctx context.Context) {
	defer a.wg.Done()
	if a.cfg.Activity.RetentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(RetentionInterval)
	defer ticker.Stop()
	for {
		if _, err := a.Cleanup(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("retention cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Handler returns the HTTP surface for this App.
func (a *App) Handler() http.Handler {
	return api.NewRouter(&api.Deps{
		Folders:     a.Folders,
		Suggestions: a.Suggestions,
		Renamer:     a.Executor,
		Activity:    a.Recorder,
		Bus:         a.Bus,
		Metrics:     a.Metrics,
		Logger:      logging.ForComponent(a.base, "api"),
		Snapshot: func(ctx context.Context) (any, error) {
			return a.Snapshot(ctx)
		},
		Cleanup: a.Cleanup,
	})
}
