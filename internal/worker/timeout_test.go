package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

func TestSweepOverdueJobRequeuesStuckJob(t *testing.T) {
	w, b, _, cleanup := newTestWorker(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := b.Submit(ctx, domain.Job{
		Type:    "sim",
		Payload: json.RawMessage(`{"duration_ms":10,"steps":1}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := claimForWorker(t, b, w.ID())

	// Simulate a connector that ignored cancellation: the job has been
	// running an hour against a 30 minute deadline.
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.setCurrent(&activeJob{job: job, cancel: cancel, startedAt: time.Now().Add(-time.Hour)})

	if !w.sweepOverdueJob(ctx, 30*time.Second) {
		t.Fatal("overdue job not swept")
	}

	final, err := b.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != domain.JobPending {
		t.Fatalf("status = %s, want pending requeue", final.Status)
	}
	if final.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", final.RetryCount)
	}
	if cause := context.Cause(jobCtx); !errors.Is(cause, errJobTimedOut) {
		t.Errorf("cancellation cause = %v, want errJobTimedOut", cause)
	}
}

func TestSweepOverdueJobLeavesHealthyJobsAlone(t *testing.T) {
	w, b, _, cleanup := newTestWorker(t)
	defer cleanup()
	ctx := context.Background()

	if w.sweepOverdueJob(ctx, 30*time.Second) {
		t.Error("sweep acted with no job held")
	}

	if _, _, err := b.Submit(ctx, domain.Job{Type: "sim"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := claimForWorker(t, b, w.ID())
	_, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w.setCurrent(&activeJob{job: job, cancel: cancel, startedAt: time.Now()})

	if w.sweepOverdueJob(ctx, 30*time.Second) {
		t.Error("sweep acted on a job inside its deadline")
	}
	if final, _ := b.GetJob(ctx, job.ID); final.Status != domain.JobAssigned {
		t.Errorf("status = %s, want assigned", final.Status)
	}
}

func TestNewRequiresWorkerID(t *testing.T) {
	w, _, _, cleanup := newTestWorker(t)
	defer cleanup()

	cfg := w.cfg
	cfg.WorkerID = ""
	if _, err := New(cfg, w.broker, w.registry, w.manager); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("New without WORKER_ID = %v, want ErrInvalidArgument", err)
	}
}
