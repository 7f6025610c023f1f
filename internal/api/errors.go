package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"snapname/internal/executor"
	"snapname/internal/folder"
	"snapname/internal/logging"
	"snapname/internal/store"
	"snapname/internal/suggestion"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	// Type is set for rename failures.
	Type       executor.RenameErrorType `json:"type,omitempty"`
	Suggestion *store.Suggestion        `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var renameErr *executor.RenameError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, folder.ErrInvalidPath),
		errors.Is(err, suggestion.ErrInvalidName),
		errors.Is(err, suggestion.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrFolderExists),
		errors.Is(err, store.ErrOpenSuggestionExists),
		errors.Is(err, store.ErrStaleStatus),
		errors.Is(err, suggestion.ErrInvalidTransition),
		errors.Is(err, folder.ErrInvalidState),
		errors.Is(err, folder.ErrScanInProgress),
		errors.Is(err, executor.ErrInProgress),
		errors.Is(err, executor.ErrNotUndoable):
		return http.StatusConflict
	case errors.As(err, &renameErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, folder.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleServiceError writes err with its mapped status. Unexpected errors
// are logged and hidden from the client.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed", "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

// decodeBody decodes an optional JSON body into v. An empty body is not an error.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
