package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"snapname/internal/executor"
	"snapname/internal/store"
	"snapname/internal/suggestion"
)

var knownStatuses = map[store.SuggestionStatus]bool{
	store.SuggestionPending:  true,
	store.SuggestionApproved: true,
	store.SuggestionRejected: true,
	store.SuggestionExecuted: true,
	store.SuggestionFailed:   true,
}

type suggestionHandler struct {
	suggestions SuggestionService
	renamer     Renamer
}

// ApproveRequest is the optional body of POST /api/suggestions/{id}/approve.
type ApproveRequest struct {
	// Name overrides the suggested name.
	Name string `json:"name"`
}

// BatchRequest is the body of the batch decision endpoints.
type BatchRequest struct {
	IDs []string `json:"ids"`
}

// BatchResponse reports each id's outcome.
type BatchResponse struct {
	Succeeded int                      `json:"succeeded"`
	Failed    int                      `json:"failed"`
	Results   []suggestion.BatchResult `json:"results"`
}

// ExecuteResponse describes a completed rename.
type ExecuteResponse struct {
	Suggestion *store.Suggestion `json:"suggestion"`
	Source     string            `json:"source"`
	Target     string            `json:"target"`
	BackupPath string            `json:"backup_path,omitempty"`
}

func parseSuggestionFilter(r *http.Request) (store.SuggestionFilter, error) {
	q := r.URL.Query()
	f := store.SuggestionFilter{FolderID: q.Get("folder_id")}

	for _, s := range splitList(q, "status") {
		status := store.SuggestionStatus(s)
		if !knownStatuses[status] {
			return f, fmt.Errorf("unknown status %q", s)
		}
		f.Statuses = append(f.Statuses, status)
	}

	var err error
	if f.MinConfidence, err = parseFloat(q, "min_confidence"); err != nil {
		return f, err
	}
	if f.MaxConfidence, err = parseFloat(q, "max_confidence"); err != nil {
		return f, err
	}
	if f.NeedsReview, err = parseBool(q, "needs_review"); err != nil {
		return f, err
	}
	if f.Limit, f.Offset, err = parsePage(q); err != nil {
		return f, err
	}
	return f, nil
}

func (h *suggestionHandler) list(w http.ResponseWriter, r *http.Request) {
	f, err := parseSuggestionFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.suggestions.List(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []store.Suggestion{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *suggestionHandler) counts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.suggestions.Counts(r.Context(), r.URL.Query().Get("folder_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *suggestionHandler) get(w http.ResponseWriter, r *http.Request) {
	sg, err := h.suggestions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

// EditRequest is the body of PATCH /api/suggestions/{id}.
type EditRequest struct {
	Name string `json:"name"`
}

func (h *suggestionHandler) edit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sg, err := h.suggestions.Edit(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

func (h *suggestionHandler) approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sg, err := h.suggestions.Approve(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

func (h *suggestionHandler) reject(w http.ResponseWriter, r *http.Request) {
	sg, err := h.suggestions.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

func (h *suggestionHandler) batchApprove(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, h.suggestions.BatchApprove)
}

func (h *suggestionHandler) batchReject(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, h.suggestions.BatchReject)
}

func (h *suggestionHandler) batch(w http.ResponseWriter, r *http.Request, apply func(context.Context, []string) []suggestion.BatchResult) {
	var req BatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	resp := BatchResponse{Results: apply(r.Context(), req.IDs)}
	for _, res := range resp.Results {
		if res.Err != nil {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *suggestionHandler) execute(w http.ResponseWriter, r *http.Request) {
	res, err := h.renamer.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		var renameErr *executor.RenameError
		if errors.As(err, &renameErr) && res != nil {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:      err.Error(),
				Type:       renameErr.Type,
				Suggestion: res.Suggestion,
			})
			return
		}
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{
		Suggestion: res.Suggestion,
		Source:     res.Source,
		Target:     res.Target,
		BackupPath: res.BackupPath,
	})
}

func (h *suggestionHandler) undo(w http.ResponseWriter, r *http.Request) {
	sg, err := h.renamer.Undo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		var renameErr *executor.RenameError
		if errors.As(err, &renameErr) {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:      err.Error(),
				Type:       renameErr.Type,
				Suggestion: sg,
			})
			return
		}
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}
