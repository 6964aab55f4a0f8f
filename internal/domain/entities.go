// Package domain defines the core entities and ports of the job hub:
// jobs, worker capabilities, connector state, progress events, and the
// error taxonomy shared by the broker, workers, and the event bridge.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrNoMatchingJob   = errors.New("no matching job")
	ErrJobTerminal     = errors.New("job already terminal")
	ErrWorkerBusy      = errors.New("worker busy")
	ErrInternal        = errors.New("internal error")
)

// JobStatus enumerates the job lifecycle.
// pending -> assigned (atomic claim) -> in_progress -> terminal.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobAssigned   JobStatus = "assigned"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobTimedOut   JobStatus = "timeout"
)

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimedOut:
		return true
	}
	return false
}

// IsolationPolicy controls which customers a worker may serve.
type IsolationPolicy string

const (
	// IsolationNone accepts jobs from any customer.
	IsolationNone IsolationPolicy = "none"
	// IsolationLoose enforces only the deny list.
	IsolationLoose IsolationPolicy = "loose"
	// IsolationStrict requires the customer on the allow list and not on the deny list.
	IsolationStrict IsolationPolicy = "strict"
)

// JobRequirements constrains which workers may claim a job. Hardware values
// are compared numerically with >= where both sides are numbers and with
// string equality otherwise. Region and compliance tags, when present, must
// be a subset of the worker's.
type JobRequirements struct {
	Hardware       map[string]any `json:"hardware,omitempty"`
	Region         string         `json:"region,omitempty"`
	ComplianceTags []string       `json:"compliance_tags,omitempty"`
}

// Job is the unit of work flowing through the hub. Payload stays opaque to
// the broker; only connectors interpret it. Ctx carries upstream metadata
// such as workflow_context.retry_attempt.
type Job struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	Priority       int              `json:"priority"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	Ctx            map[string]any   `json:"ctx,omitempty"`
	Requirements   *JobRequirements `json:"requirements,omitempty"`
	CustomerID     string           `json:"customer_id,omitempty"`
	WorkflowID     string           `json:"workflow_id,omitempty"`
	Step           int              `json:"step,omitempty"`
	TotalSteps     int              `json:"total_steps,omitempty"`
	Status         JobStatus        `json:"status"`
	RetryCount     int              `json:"retry_count"`
	MaxRetries     int              `json:"max_retries"`
	CreatedAt      time.Time        `json:"created_at"`
	AssignedAt     time.Time        `json:"assigned_at,omitempty"`
	CompletedAt    time.Time        `json:"completed_at,omitempty"`
	AssignedWorker string           `json:"assigned_worker,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
}

// WorkerStatus enumerates the worker lifecycle.
type WorkerStatus string

const (
	WorkerInitializing WorkerStatus = "initializing"
	WorkerIdle         WorkerStatus = "idle"
	WorkerBusy         WorkerStatus = "busy"
	WorkerError        WorkerStatus = "error"
	WorkerOffline      WorkerStatus = "offline"
)

// WorkerCapabilities is the capability record a worker advertises to the
// broker's claim script.
type WorkerCapabilities struct {
	WorkerID         string          `json:"worker_id"`
	MachineID        string          `json:"machine_id,omitempty"`
	Version          string          `json:"version,omitempty"`
	Services         []string        `json:"services"`
	Hardware         map[string]any  `json:"hardware,omitempty"`
	Models           []string        `json:"models,omitempty"`
	Isolation        IsolationPolicy `json:"isolation,omitempty"`
	AllowedCustomers []string        `json:"allowed_customers,omitempty"`
	DeniedCustomers  []string        `json:"denied_customers,omitempty"`
	Region           string          `json:"region,omitempty"`
	ComplianceTags   []string        `json:"compliance_tags,omitempty"`
	CostTier         string          `json:"cost_tier,omitempty"`
	ConcurrentJobs   int             `json:"concurrent_jobs"`
}

// ConnectorState enumerates connector lifecycle states reported to Redis.
type ConnectorState string

const (
	ConnectorStarting          ConnectorState = "starting"
	ConnectorWaitingForService ConnectorState = "waiting_for_service"
	ConnectorConnecting        ConnectorState = "connecting"
	ConnectorIdle              ConnectorState = "idle"
	ConnectorActive            ConnectorState = "active"
	ConnectorError             ConnectorState = "error"
	ConnectorOffline           ConnectorState = "offline"
)

// ProgressEvent is one entry in a job's progress stream. Progress is 0-100.
type ProgressEvent struct {
	JobID    string    `json:"job_id"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	At       time.Time `json:"ts"`
}

// CommandAction enumerates commands the broker may push to a worker.
type CommandAction string

const (
	CommandCancel CommandAction = "cancel"
	CommandPause  CommandAction = "pause"
	CommandRetry  CommandAction = "retry"
)

// WorkerCommand is one entry in a worker's command stream.
type WorkerCommand struct {
	Action CommandAction `json:"action"`
	JobID  string        `json:"job_id"`
	At     time.Time     `json:"ts"`
}

// JobResult is a connector's successful output for a job. Output is the
// provider response projection; ArtifactURLs point at stored output objects.
type JobResult struct {
	Output       json.RawMessage `json:"output,omitempty"`
	ArtifactURLs []string        `json:"artifact_urls,omitempty"`
}

// Context is an alias so adapters pass context.Context straight through.
type Context = context.Context
