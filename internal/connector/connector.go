// Package connector turns worker-shaped job operations into
// protocol-specific backend calls. Three protocol bases (REST-sync,
// REST-async polling, WebSocket) share one BaseConnector for lifecycle,
// health, status reporting, and the concurrency cap; service adapters plug
// request/response shaping into the bases through small interfaces.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// ProgressFunc relays a 0-100 progress percentage and an optional message
// back to the worker, which forwards it into the job's Redis stream.
type ProgressFunc func(progress float64, message string)

// Connector is implemented by every protocol connector.
type Connector interface {
	// ID is the connector's stable identifier within the worker process.
	ID() string
	// ServiceType names the service this connector handles (job.Type match).
	ServiceType() string
	// Initialize prepares the connector. Idempotent.
	Initialize(ctx context.Context) error
	// Cleanup releases resources. Idempotent.
	Cleanup(ctx context.Context) error
	// CheckHealth is a shallow liveness probe of the backend.
	CheckHealth(ctx context.Context) bool
	// GetAvailableModels enumerates backend models, best effort.
	GetAvailableModels(ctx context.Context) []string
	// CanProcessJob is a pre-dispatch affinity check.
	CanProcessJob(job domain.Job) bool
	// ProcessJob runs one job to completion. Not concurrent beyond the
	// connector's configured cap.
	ProcessJob(ctx context.Context, job domain.Job, progress ProgressFunc) (domain.JobResult, error)
	// CancelJob aborts a job, best effort.
	CancelJob(ctx context.Context, jobID string) error
}

// HealthAction is the verdict of a per-job health check.
type HealthAction string

const (
	HealthComplete HealthAction = "complete_job"
	HealthFail     HealthAction = "fail_job"
	HealthRequeue  HealthAction = "return_to_queue"
	HealthContinue HealthAction = "continue_monitoring"
)

// JobHealth is the result of HealthCheckJob.
type JobHealth struct {
	Action HealthAction
	Reason string
	Result *domain.JobResult
}

// JobHealthChecker is implemented by connectors that can resolve the state
// of a stalled job by asking the backend. Connectors without it are left
// alone by the worker's health monitor.
type JobHealthChecker interface {
	HealthCheckJob(ctx context.Context, jobID string) (JobHealth, error)
}

// ActivityReporter is implemented by connectors that observe backend
// liveness per job (WebSocket inbound traffic). The worker registers the
// callback; the connector invokes it with every sign of life.
type ActivityReporter interface {
	SetActivityCallback(fn func(jobID string, at time.Time))
}

// BackendError carries backend call context into the failure classifier.
type BackendError struct {
	Service string
	Status  int
	Body    string
	Timeout bool
	Err     error
}

func (e *BackendError) Error() string {
	switch {
	case e.Err != nil && e.Status > 0:
		return fmt.Sprintf("%s backend returned %d: %v", e.Service, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s backend error: %v", e.Service, e.Err)
	case e.Status > 0:
		return fmt.Sprintf("%s backend returned %d: %s", e.Service, e.Status, truncate(e.Body, 300))
	default:
		return fmt.Sprintf("%s backend error", e.Service)
	}
}

func (e *BackendError) Unwrap() error { return e.Err }

// RefusalError marks an HTTP-200 response whose body is a content-policy
// refusal. Description echoes the trimmed offending text including any
// provider request id so the classifier and attestation carry it verbatim.
type RefusalError struct {
	Service     string
	Description string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("%s refused generation: %s", e.Service, e.Description)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
