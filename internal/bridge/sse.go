package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

const sseHeartbeatInterval = 15 * time.Second

// SSEHandler streams job progress as Server-Sent Events on
// GET /v1/jobs/{id}/progress.
type SSEHandler struct {
	broker *broker.Broker
	bridge *Bridge
}

// NewSSEHandler creates the SSE progress handler.
func NewSSEHandler(b *broker.Broker, br *Bridge) *SSEHandler {
	return &SSEHandler{broker: b, bridge: br}
}

// ServeHTTP implements the SSE stream.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		http.Error(w, `{"error":{"code":"INVALID_ARGUMENT","message":"job id required"}}`, http.StatusBadRequest)
		return
	}
	job, err := h.broker.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, `{"error":{"code":"NOT_FOUND","message":"job not found"}}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error":{"code":"INTERNAL","message":"failed to load job"}}`, http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":{"code":"INTERNAL","message":"streaming unsupported"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Long-running stream: lift the server write deadline, best effort.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	snapshot := SnapshotEvent(job)
	writeSSE(w, flusher, snapshot)
	if snapshot.Terminal() {
		return
	}

	events, unsubscribe := h.bridge.Subscribe(jobID)
	defer unsubscribe()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// Comment frame keeps proxies from reaping the connection.
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, flusher, ev); err != nil {
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		slog.Error("sse payload marshal failed", slog.Any("error", err))
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
