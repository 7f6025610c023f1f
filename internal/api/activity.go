package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"snapname/internal/activity"
	"snapname/internal/logging"
	"snapname/internal/store"
)

const statsTopFolders = 10

var knownActions = map[store.ActionType]bool{
	store.ActionFolderRegistered:  true,
	store.ActionScanStarted:       true,
	store.ActionScanCompleted:     true,
	store.ActionFolderPaused:      true,
	store.ActionFolderResumed:     true,
	store.ActionFolderRemoved:     true,
	store.ActionSuggestionCreated: true,
	store.ActionEdited:            true,
	store.ActionApproved:          true,
	store.ActionRejected:          true,
	store.ActionExecuted:          true,
	store.ActionRollback:          true,
	store.ActionError:             true,
}

type activityHandler struct {
	log     ActivityLog
	cleanup func(context.Context) (*activity.CleanupResult, error)
}

func parseActivityFilter(r *http.Request) (store.ActivityFilter, error) {
	q := r.URL.Query()
	f := store.ActivityFilter{
		FolderID:     q.Get("folder_id"),
		SuggestionID: q.Get("suggestion_id"),
	}

	for _, a := range splitList(q, "action") {
		action := store.ActionType(a)
		if !knownActions[action] {
			return f, fmt.Errorf("unknown action %q", a)
		}
		f.Actions = append(f.Actions, action)
	}

	switch status := store.EntryStatus(q.Get("status")); status {
	case "", store.EntrySuccess, store.EntryFailure:
		f.Status = status
	default:
		return f, fmt.Errorf("unknown status %q", status)
	}

	var err error
	if f.Since, err = parseTime(q, "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q, "until"); err != nil {
		return f, err
	}
	if f.Limit, f.Offset, err = parsePage(q); err != nil {
		return f, err
	}
	return f, nil
}

func (h *activityHandler) list(w http.ResponseWriter, r *http.Request) {
	f, err := parseActivityFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.log.List(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []store.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// export streams the filtered history as CSV, or as a JSON download with format=json.
func (h *activityHandler) export(w http.ResponseWriter, r *http.Request) {
	f, err := parseActivityFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	if format != "" && format != "csv" && format != "json" {
		writeError(w, http.StatusBadRequest, "format must be csv or json")
		return
	}

	entries, err := h.log.List(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	if format == "json" {
		if entries == nil {
			entries = []store.ActivityEntry{}
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="activity-%s.json"`, stamp))
		writeJSON(w, http.StatusOK, entries)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="activity-%s.csv"`, stamp))
	w.WriteHeader(http.StatusOK)
	if err := activity.ExportCSV(w, entries); err != nil {
		// Headers already sent.
		logging.FromContext(r.Context()).Error("activity export failed", "error", err)
	}
}

func (h *activityHandler) stats(w http.ResponseWriter, r *http.Request) {
	f, err := parseActivityFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit, f.Offset = 0, 0
	entries, err := h.log.List(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activity.Aggregate(entries, statsTopFolders))
}

// CleanupResponse reports a retention pass.
type CleanupResponse struct {
	Deleted       int64     `json:"deleted"`
	Cutoff        time.Time `json:"cutoff,omitempty"`
	EffectiveDays int       `json:"effective_days"`
}

func (h *activityHandler) runCleanup(w http.ResponseWriter, r *http.Request) {
	if h.cleanup == nil {
		writeError(w, http.StatusNotImplemented, "retention is not configured")
		return
	}
	res, err := h.cleanup(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{
		Deleted:       res.Deleted,
		Cutoff:        res.Cutoff,
		EffectiveDays: res.EffectiveDays,
	})
}
