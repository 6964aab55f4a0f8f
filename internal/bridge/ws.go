package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 90 * time.Second
	wsPingPeriod     = 30 * time.Second
	wsMaxMessageSize = 1 << 20 // 1 MiB
	wsStatsInterval  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The legacy clients connect cross-origin; access control happens
		// upstream of this endpoint.
		return true
	},
}

// wsRequest is one inbound client frame on the legacy socket interface.
type wsRequest struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	JobID string          `json:"job_id,omitempty"`
	Job   json.RawMessage `json:"job,omitempty"`
}

// wsResponse is one outbound frame.
type wsResponse struct {
	Type  string         `json:"type"`
	ID    string         `json:"id,omitempty"`
	JobID string         `json:"job_id,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

// WSHandler serves the legacy WebSocket interface: submit_job, cancel_job,
// request_job_status, subscribe_progress, subscribe_stats, ping. It exists
// for clients that predate the REST+SSE surface.
type WSHandler struct {
	broker   *broker.Broker
	bridge   *Bridge
	registry *broker.Registry
}

// NewWSHandler creates the legacy WebSocket handler.
func NewWSHandler(b *broker.Broker, br *Bridge, reg *broker.Registry) *WSHandler {
	return &WSHandler{broker: b, bridge: br, registry: reg}
}

// ServeHTTP upgrades the connection and serves the session.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	s := &wsSession{
		handler: h,
		conn:    conn,
		send:    make(chan wsResponse, 64),
	}
	observability.SSESubscribers.Inc()
	defer observability.SSESubscribers.Dec()
	s.run(r.Context())
}

// wsSession is one connected legacy client.
type wsSession struct {
	handler *WSHandler
	conn    *websocket.Conn
	send    chan wsResponse

	mu            sync.Mutex
	unsubscribers []func()
}

func (s *wsSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	go s.writeLoop(ctx)

	s.conn.SetReadLimit(wsMaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket session closed unexpectedly", slog.Any("error", err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var req wsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			s.reply(wsResponse{Type: "error", Error: "malformed request"})
			continue
		}
		s.dispatch(ctx, req)
	}
}

func (s *wsSession) dispatch(ctx context.Context, req wsRequest) {
	switch req.Type {
	case "ping":
		s.reply(wsResponse{Type: "pong", ID: req.ID})
	case "submit_job":
		s.submitJob(ctx, req)
	case "cancel_job":
		s.cancelJob(ctx, req)
	case "request_job_status":
		s.jobStatus(ctx, req)
	case "subscribe_progress":
		s.subscribeProgress(ctx, req)
	case "subscribe_stats":
		s.subscribeStats(ctx, req)
	default:
		s.reply(wsResponse{Type: "error", ID: req.ID, Error: "unsupported request type: " + req.Type})
	}
}

func (s *wsSession) submitJob(ctx context.Context, req wsRequest) {
	var job domain.Job
	if err := json.Unmarshal(req.Job, &job); err != nil {
		s.reply(wsResponse{Type: "error", ID: req.ID, Error: "malformed job"})
		return
	}
	jobID, position, err := s.handler.broker.Submit(ctx, job)
	if err != nil {
		s.replyErr(req, err)
		return
	}
	s.reply(wsResponse{
		Type:  "job_submitted",
		ID:    req.ID,
		JobID: jobID,
		Data:  map[string]any{"job_id": jobID, "position": position},
	})
}

func (s *wsSession) cancelJob(ctx context.Context, req wsRequest) {
	if err := s.handler.broker.Cancel(ctx, req.JobID, "cancelled via websocket"); err != nil {
		s.replyErr(req, err)
		return
	}
	s.reply(wsResponse{Type: "job_cancel_requested", ID: req.ID, JobID: req.JobID})
}

func (s *wsSession) jobStatus(ctx context.Context, req wsRequest) {
	job, err := s.handler.broker.GetJob(ctx, req.JobID)
	if err != nil {
		s.replyErr(req, err)
		return
	}
	data := map[string]any{
		"job_id":      job.ID,
		"type":        job.Type,
		"status":      string(job.Status),
		"retry_count": job.RetryCount,
	}
	if job.AssignedWorker != "" {
		data["worker_id"] = job.AssignedWorker
	}
	if job.LastError != "" {
		data["error_message"] = job.LastError
	}
	s.reply(wsResponse{Type: "job_status", ID: req.ID, JobID: job.ID, Data: data})
}

// subscribeProgress relays bridge events for one job onto the socket.
func (s *wsSession) subscribeProgress(ctx context.Context, req wsRequest) {
	if req.JobID == "" {
		s.reply(wsResponse{Type: "error", ID: req.ID, Error: "job_id required"})
		return
	}
	job, err := s.handler.broker.GetJob(ctx, req.JobID)
	if err != nil {
		s.replyErr(req, err)
		return
	}

	snapshot := SnapshotEvent(job)
	s.reply(wsResponse{Type: string(snapshot.Type), ID: req.ID, JobID: req.JobID, Data: snapshot.Data})
	if snapshot.Terminal() {
		return
	}

	events, unsubscribe := s.handler.bridge.Subscribe(req.JobID)
	s.mu.Lock()
	s.unsubscribers = append(s.unsubscribers, unsubscribe)
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				s.reply(wsResponse{Type: string(ev.Type), JobID: req.JobID, Data: ev.Data})
				if ev.Terminal() {
					return
				}
			}
		}
	}()
}

// subscribeStats pushes queue and fleet stats periodically.
func (s *wsSession) subscribeStats(ctx context.Context, req wsRequest) {
	s.reply(wsResponse{Type: "stats_subscribed", ID: req.ID})
	go func() {
		ticker := time.NewTicker(wsStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reply(wsResponse{Type: "stats", Data: s.collectStats(ctx)})
			}
		}
	}()
}

func (s *wsSession) collectStats(ctx context.Context) map[string]any {
	stats := map[string]any{"ts": time.Now().UnixMilli()}
	if depth, err := s.handler.broker.QueueDepth(ctx); err == nil {
		stats["queue_depth"] = depth
	}
	workers, err := s.handler.registry.List(ctx)
	if err != nil {
		return stats
	}
	var idle, busy int
	for _, w := range workers {
		switch w.Status {
		case domain.WorkerIdle:
			idle++
		case domain.WorkerBusy:
			busy++
		}
	}
	stats["workers_total"] = len(workers)
	stats["workers_idle"] = idle
	stats["workers_busy"] = busy
	return stats
}

func (s *wsSession) replyErr(req wsRequest, err error) {
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		msg = "job not found"
	case errors.Is(err, domain.ErrInvalidArgument):
		msg = "invalid request"
	case errors.Is(err, domain.ErrJobTerminal):
		msg = "job already terminal"
	}
	s.reply(wsResponse{Type: "error", ID: req.ID, JobID: req.JobID, Error: msg})
}

// reply queues a frame; a full queue drops the frame rather than blocking
// the caller.
func (s *wsSession) reply(res wsResponse) {
	select {
	case s.send <- res:
	default:
		slog.Warn("websocket send queue full, dropping frame", slog.String("type", res.Type))
	}
}

func (s *wsSession) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(res); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) teardown() {
	s.mu.Lock()
	subs := s.unsubscribers
	s.unsubscribers = nil
	s.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
	_ = s.conn.Close()
}
