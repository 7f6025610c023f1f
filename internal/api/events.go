package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"snapname/internal/broadcast"
	"snapname/internal/logging"
)

// keepAliveInterval spaces comment lines that stop proxies closing an idle stream.
var keepAliveInterval = 15 * time.Second

type eventsHandler struct {
	bus      *broadcast.Broadcaster
	snapshot func(context.Context) (any, error)
}

func (h *eventsHandler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.snapshot == nil {
		writeError(w, http.StatusNotImplemented, "snapshot unavailable")
		return
	}
	snap, err := h.snapshot(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ServeHTTP streams a snapshot followed by every broadcast event as
// server-sent events. The subscription is taken before the snapshot is
// read so no change falls between them.
func (h *eventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if h.bus == nil || h.snapshot == nil {
		writeError(w, http.StatusNotImplemented, "event stream unavailable")
		return
	}
	logger := logging.FromContext(r.Context())

	sub := h.bus.Subscribe(0)
	defer sub.Cancel()

	snap, err := h.snapshot(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", 0, snap); err != nil {
		logger.Debug("event stream closed", "error", err)
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, string(ev.Type), ev.Seq, ev); err != nil {
				logger.Debug("event stream closed", "error", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, seq uint64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
