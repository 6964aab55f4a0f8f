// Package attestation builds the write-once JSON records that persist every
// terminal job outcome and retry attempt for forensics. Records live under
// deterministic Redis keys with bounded TTLs; the broker performs the actual
// writes so they stay atomic with the state transition they describe.
package attestation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-job-hub/internal/domain"
	"github.com/fairyhunter13/ai-job-hub/internal/failure"
)

// Kind discriminates attestation records.
type Kind string

const (
	KindCompletion       Kind = "completion"
	KindFailureRetry     Kind = "failure_retry"
	KindFailurePermanent Kind = "failure_permanent"
)

// Record is the JSON value stored under an attestation key.
type Record struct {
	Kind          Kind            `json:"kind"`
	JobID         string          `json:"job_id"`
	WorkerID      string          `json:"worker_id"`
	MachineID     string          `json:"machine_id,omitempty"`
	WorkerVersion string          `json:"worker_version,omitempty"`
	WorkflowID    string          `json:"workflow_id,omitempty"`
	Step          int             `json:"step,omitempty"`
	TotalSteps    int             `json:"total_steps,omitempty"`
	RetryCount    int             `json:"retry_count"`
	WillRetry     bool            `json:"will_retry"`
	MaxRetries    int             `json:"max_retries"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	FailureType   failure.Type    `json:"failure_type,omitempty"`
	FailureReason failure.Reason  `json:"failure_reason,omitempty"`
	FailureDesc   string          `json:"failure_description,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	// RawRequest and RawResponse are scrubbed copies of the service
	// round-trip that produced this outcome.
	RawRequest  any       `json:"raw_service_request,omitempty"`
	RawResponse any       `json:"raw_service_response,omitempty"`
	CreatedAt   time.Time `json:"attestation_created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	FailedAt    time.Time `json:"failed_at,omitempty"`
}

// WorkerIdentity names the worker emitting a record.
type WorkerIdentity struct {
	WorkerID  string
	MachineID string
	Version   string
}

// CompletionKey returns the key for a completion record. The workflow
// segment is omitted for standalone jobs. Attempt is 1-based.
func CompletionKey(workflowID, jobID string, attempt int) string {
	if workflowID == "" {
		return fmt.Sprintf("worker:completion:job-%s:attempt:%d", jobID, attempt)
	}
	return fmt.Sprintf("worker:completion:workflow-%s:job-%s:attempt:%d", workflowID, jobID, attempt)
}

// FailureRetryKey returns the key for a retry-attempt failure record.
func FailureRetryKey(workflowID, jobID string, attempt int) string {
	if workflowID == "" {
		return fmt.Sprintf("worker:failure:job-%s:attempt:%d", jobID, attempt)
	}
	return fmt.Sprintf("worker:failure:workflow-%s:job-%s:attempt:%d", workflowID, jobID, attempt)
}

// FailurePermanentKey returns the key for a terminal failure record.
func FailurePermanentKey(workflowID, jobID string) string {
	if workflowID == "" {
		return fmt.Sprintf("worker:failure:job-%s:permanent", jobID)
	}
	return fmt.Sprintf("worker:failure:workflow-%s:job-%s:permanent", workflowID, jobID)
}

// WorkflowFailureKey returns the workflow-level mirror key so a reader can
// find workflow outcome in O(1) keys per workflow.
func WorkflowFailureKey(workflowID string, attempt int, permanent bool) string {
	if permanent {
		return fmt.Sprintf("workflow:failure:%s:permanent", workflowID)
	}
	return fmt.Sprintf("workflow:failure:%s:attempt:%d", workflowID, attempt)
}

// NewCompletion builds a completion record for job j. RawRequest/RawResponse
// are scrubbed before embedding.
func NewCompletion(j domain.Job, id WorkerIdentity, result json.RawMessage, rawReq, rawResp any, now time.Time) Record {
	return Record{
		Kind:          KindCompletion,
		JobID:         j.ID,
		WorkerID:      id.WorkerID,
		MachineID:     id.MachineID,
		WorkerVersion: id.Version,
		WorkflowID:    j.WorkflowID,
		Step:          j.Step,
		TotalSteps:    j.TotalSteps,
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		Result:        result,
		RawRequest:    failure.Scrub(rawReq),
		RawResponse:   failure.Scrub(rawResp),
		CreatedAt:     now,
		CompletedAt:   now,
	}
}

// NewFailure builds a failure record (retry or permanent) for job j.
func NewFailure(j domain.Job, id WorkerIdentity, cls failure.Classification, errMsg string, willRetry bool, rawReq, rawResp any, now time.Time) Record {
	kind := KindFailurePermanent
	if willRetry {
		kind = KindFailureRetry
	}
	return Record{
		Kind:          kind,
		JobID:         j.ID,
		WorkerID:      id.WorkerID,
		MachineID:     id.MachineID,
		WorkerVersion: id.Version,
		WorkflowID:    j.WorkflowID,
		Step:          j.Step,
		TotalSteps:    j.TotalSteps,
		RetryCount:    j.RetryCount,
		WillRetry:     willRetry,
		MaxRetries:    j.MaxRetries,
		ErrorMessage:  errMsg,
		FailureType:   cls.Type,
		FailureReason: cls.Reason,
		FailureDesc:   cls.Description,
		RawRequest:    failure.Scrub(rawReq),
		RawResponse:   failure.Scrub(rawResp),
		CreatedAt:     now,
		FailedAt:      now,
	}
}

// Marshal serializes a record for storage.
func (r Record) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("op=attestation.Marshal job=%s: %w", r.JobID, err)
	}
	return b, nil
}
