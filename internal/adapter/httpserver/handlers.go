package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/config"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
	"github.com/fairyhunter13/ai-job-hub/internal/webhook"
)

// Server aggregates handlers dependencies.
type Server struct {
	Cfg        config.Config
	Broker     *broker.Broker
	Registry   *broker.Registry
	Webhooks   *webhook.Store
	Watcher    *webhook.Watcher
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, b *broker.Broker, reg *broker.Registry, hooks *webhook.Store, watcher *webhook.Watcher, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Broker: b, Registry: reg, Webhooks: hooks, Watcher: watcher, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// acceptsJSON rejects requests that negotiate away application/json.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
		writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
			Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
		}})
		return false
	}
	return true
}

func validationDetails(err error) map[string]string {
	verrs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return verrs
}

// SubmitJobHandler accepts a job and places it on the pending queue.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		// Cap body size to prevent abuse
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req struct {
			Type         string                  `json:"type" validate:"required,max=100"`
			Priority     int                     `json:"priority" validate:"min=0,max=100"`
			Payload      json.RawMessage         `json:"payload"`
			Ctx          map[string]any          `json:"ctx"`
			Requirements *domain.JobRequirements `json:"requirements"`
			CustomerID   string                  `json:"customer_id" validate:"max=100"`
			WorkflowID   string                  `json:"workflow_id" validate:"max=100"`
			Step         int                     `json:"step" validate:"min=0"`
			TotalSteps   int                     `json:"total_steps" validate:"min=0"`
			MaxRetries   int                     `json:"max_retries" validate:"min=0,max=10"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		ctx := r.Context()
		job := domain.Job{
			Type:         SanitizeString(req.Type),
			Priority:     req.Priority,
			Payload:      req.Payload,
			Ctx:          req.Ctx,
			Requirements: req.Requirements,
			CustomerID:   SanitizeString(req.CustomerID),
			WorkflowID:   SanitizeString(req.WorkflowID),
			Step:         req.Step,
			TotalSteps:   req.TotalSteps,
			MaxRetries:   req.MaxRetries,
		}
		id, position, err := s.Broker.Submit(ctx, job)
		if err != nil {
			writeError(w, r, fmt.Errorf("submit: %w", err), nil)
			return
		}
		job.ID = id
		if s.Watcher != nil {
			s.Watcher.Watch(context.WithoutCancel(ctx), job)
		}
		notified := s.notifyIdleWorkers(ctx, job.Type)
		writeJSON(w, http.StatusCreated, map[string]any{
			"job_id":           id,
			"position":         position,
			"notified_workers": notified,
		})
	}
}

// notifyIdleWorkers counts idle workers advertising the job's service.
// Workers pull on their own poll interval; the count tells the caller how
// much of the fleet can pick the job up.
func (s *Server) notifyIdleWorkers(ctx context.Context, jobType string) int {
	records, err := s.Registry.List(ctx)
	if err != nil {
		return 0
	}
	notified := 0
	for _, rec := range records {
		if rec.Status != domain.WorkerIdle {
			continue
		}
		for _, svc := range rec.Capabilities.Services {
			if svc == jobType {
				notified++
				break
			}
		}
	}
	return notified
}

// GetJobHandler returns the job record projection.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		job, err := s.Broker.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJobHandler requests cancellation of a pending or running job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		reason := "cancelled by client"
		if r.ContentLength > 0 {
			var req struct {
				Reason string `json:"reason"`
			}
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err == nil && req.Reason != "" {
				reason = SanitizeString(req.Reason)
			}
		}
		if err := s.Broker.Cancel(r.Context(), id, reason); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "cancel_requested"})
	}
}

// ListWorkersHandler enumerates the registered fleet with heartbeat ages.
func (s *Server) ListWorkersHandler() http.HandlerFunc {
	type workerView struct {
		WorkerID     string   `json:"worker_id"`
		MachineID    string   `json:"machine_id,omitempty"`
		Status       string   `json:"status"`
		CurrentJob   string   `json:"current_job,omitempty"`
		Services     []string `json:"services"`
		Models       []string `json:"models,omitempty"`
		Version      string   `json:"version,omitempty"`
		HeartbeatAge float64  `json:"heartbeat_age_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		records, err := s.Registry.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		now := time.Now()
		views := make([]workerView, 0, len(records))
		for _, rec := range records {
			views = append(views, workerView{
				WorkerID:     rec.WorkerID,
				MachineID:    rec.MachineID,
				Status:       string(rec.Status),
				CurrentJob:   rec.CurrentJob,
				Services:     rec.Capabilities.Services,
				Models:       rec.Capabilities.Models,
				Version:      rec.Capabilities.Version,
				HeartbeatAge: now.Sub(rec.Heartbeat).Seconds(),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": views, "count": len(views)})
	}
}

// QueueStatsHandler reports queue depth and fleet occupancy.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		ctx := r.Context()
		depth, err := s.Broker.QueueDepth(ctx)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		records, err := s.Registry.List(ctx)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		idle, busy := 0, 0
		for _, rec := range records {
			switch rec.Status {
			case domain.WorkerIdle:
				idle++
			case domain.WorkerBusy:
				busy++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"queue_depth":   depth,
			"workers_total": len(records),
			"workers_idle":  idle,
			"workers_busy":  busy,
		})
	}
}

// CreateWebhookHandler registers a webhook subscription.
func (s *Server) CreateWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		var req struct {
			URL        string   `json:"url" validate:"required,url,max=2000"`
			Secret     string   `json:"secret" validate:"max=200"`
			Events     []string `json:"events" validate:"max=20,dive,max=100"`
			CustomerID string   `json:"customer_id" validate:"max=100"`
			JobTypes   []string `json:"job_types" validate:"max=20,dive,max=100"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		sub, err := s.Webhooks.Create(r.Context(), webhook.Subscription{
			URL:        req.URL,
			Secret:     req.Secret,
			Events:     req.Events,
			CustomerID: SanitizeString(req.CustomerID),
			JobTypes:   req.JobTypes,
			Active:     true,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		// The secret is write-only; never echo it back.
		sub.Secret = ""
		writeJSON(w, http.StatusCreated, sub)
	}
}

// ListWebhooksHandler lists registered webhook subscriptions.
func (s *Server) ListWebhooksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		subs, err := s.Webhooks.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		for i := range subs {
			subs[i].Secret = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"webhooks": subs, "count": len(subs)})
	}
}

// GetWebhookHandler returns one webhook subscription.
func (s *Server) GetWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		sub, err := s.Webhooks.Get(r.Context(), SanitizeJobID(id))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		sub.Secret = ""
		writeJSON(w, http.StatusOK, sub)
	}
}

// DeleteWebhookHandler removes a webhook subscription.
func (s *Server) DeleteWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if err := s.Webhooks.Delete(r.Context(), SanitizeJobID(id)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
	}
}

// WebhookHistoryHandler returns recent delivery attempts for a webhook.
func (s *Server) WebhookHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if _, err := s.Webhooks.Get(r.Context(), SanitizeJobID(id)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		history, err := s.Webhooks.History(r.Context(), SanitizeJobID(id))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deliveries": history, "count": len(history)})
	}
}

// ReadyzHandler reports readiness; Redis must answer for the hub to serve.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "redis": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
