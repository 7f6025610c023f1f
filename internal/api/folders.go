package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"snapname/internal/store"
)

type folderHandler struct {
	folders FolderService
}

// RegisterRequest is the body of POST /api/folders.
type RegisterRequest struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

func (h *folderHandler) list(w http.ResponseWriter, r *http.Request) {
	folders, err := h.folders.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if folders == nil {
		folders = []store.WatchedFolder{}
	}
	writeJSON(w, http.StatusOK, folders)
}

func (h *folderHandler) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	f, err := h.folders.Register(r.Context(), req.Path, req.Name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *folderHandler) get(w http.ResponseWriter, r *http.Request) {
	f, err := h.folders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *folderHandler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.folders.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *folderHandler) pause(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.folders.Pause)
}

func (h *folderHandler) resume(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.folders.Resume)
}

func (h *folderHandler) rescan(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.folders.Rescan)
}

func (h *folderHandler) apply(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*store.WatchedFolder, error)) {
	f, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}
