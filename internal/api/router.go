// Package api exposes folders, suggestions and activity over HTTP, plus a
// server-sent event stream of pipeline changes.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"snapname/internal/activity"
	"snapname/internal/broadcast"
	"snapname/internal/executor"
	"snapname/internal/metrics"
	"snapname/internal/store"
	"snapname/internal/suggestion"
)

// FolderService manages watched folders.
type FolderService interface {
	Register(ctx context.Context, path, name string) (*store.WatchedFolder, error)
	Pause(ctx context.Context, id string) (*store.WatchedFolder, error)
	Resume(ctx context.Context, id string) (*store.WatchedFolder, error)
	Rescan(ctx context.Context, id string) (*store.WatchedFolder, error)
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*store.WatchedFolder, error)
	List(ctx context.Context) ([]store.WatchedFolder, error)
}

// SuggestionService records review decisions.
type SuggestionService interface {
	Get(ctx context.Context, id string) (*store.Suggestion, error)
	List(ctx context.Context, f store.SuggestionFilter) ([]store.Suggestion, error)
	Counts(ctx context.Context, folderID string) (map[store.SuggestionStatus]int, error)
	Edit(ctx context.Context, id, name string) (*store.Suggestion, error)
	Approve(ctx context.Context, id, override string) (*store.Suggestion, error)
	Reject(ctx context.Context, id string) (*store.Suggestion, error)
	BatchApprove(ctx context.Context, ids []string) []suggestion.BatchResult
	BatchReject(ctx context.Context, ids []string) []suggestion.BatchResult
}

// Renamer applies and reverts approved suggestions.
type Renamer interface {
	Execute(ctx context.Context, id string) (*executor.Result, error)
	Undo(ctx context.Context, id string) (*store.Suggestion, error)
}

// ActivityLog reads the activity history.
type ActivityLog interface {
	List(ctx context.Context, f store.ActivityFilter) ([]store.ActivityEntry, error)
}

// Deps holds dependencies for the HTTP router. Metrics may be nil.
type Deps struct {
	Folders     FolderService
	Suggestions SuggestionService
	Renamer     Renamer
	Activity    ActivityLog
	Bus         *broadcast.Broadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// Snapshot returns the current pipeline state sent first on every event stream.
	Snapshot func(ctx context.Context) (any, error)
	// Cleanup applies the activity retention policy.
	Cleanup func(ctx context.Context) (*activity.CleanupResult, error)
}

// NewRouter creates a new HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	folders := &folderHandler{folders: deps.Folders}
	suggestions := &suggestionHandler{suggestions: deps.Suggestions, renamer: deps.Renamer}
	history := &activityHandler{log: deps.Activity, cleanup: deps.Cleanup}
	events := &eventsHandler{bus: deps.Bus, snapshot: deps.Snapshot}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", events.getSnapshot)
		r.Method(http.MethodGet, "/events", events)

		r.Route("/folders", func(r chi.Router) {
			r.Get("/", folders.list)
			r.Post("/", folders.register)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", folders.get)
				r.Delete("/", folders.remove)
				r.Post("/pause", folders.pause)
				r.Post("/resume", folders.resume)
				r.Post("/rescan", folders.rescan)
			})
		})

		r.Route("/suggestions", func(r chi.Router) {
			r.Get("/", suggestions.list)
			r.Get("/counts", suggestions.counts)
			r.Post("/batch/approve", suggestions.batchApprove)
			r.Post("/batch/reject", suggestions.batchReject)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", suggestions.get)
				r.Patch("/", suggestions.edit)
				r.Post("/approve", suggestions.approve)
				r.Post("/reject", suggestions.reject)
				r.Post("/execute", suggestions.execute)
				r.Post("/undo", suggestions.undo)
			})
		})

		r.Route("/activity", func(r chi.Router) {
			r.Get("/", history.list)
			r.Get("/export", history.export)
			r.Get("/stats", history.stats)
			r.Post("/cleanup", history.runCleanup)
		})
	})

	return r
}
