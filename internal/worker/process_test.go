package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/config"
	"github.com/fairyhunter13/ai-job-hub/internal/connector"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
	"github.com/fairyhunter13/ai-job-hub/internal/failure"
)

func newTestWorker(t *testing.T) (*Worker, *broker.Broker, *redis.Client, func()) {
	t.Helper()
	t.Setenv("RETRY_INITIAL_DELAY", "1ms")
	t.Setenv("RETRY_MAX_DELAY", "2ms")

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.WorkerID = "w-test"

	b, err := broker.New(rdb, broker.Options{
		Retry:        cfg.GetRetryConfig(),
		RetryTTL:     5 * time.Minute,
		PermanentTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	reg := broker.NewRegistry(rdb)
	mgr := connector.NewManager(connector.NewRegistry(), nil)
	if err := mgr.Load(context.Background(), []config.ConnectorSpec{{Service: "sim", Count: 1}}, connector.File{}); err != nil {
		t.Fatalf("manager load: %v", err)
	}

	w, err := New(cfg, b, reg, mgr)
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	if err := reg.Register(context.Background(), domain.WorkerCapabilities{
		WorkerID: "w-test", Services: []string{"sim"}, ConcurrentJobs: 1,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return w, b, rdb, cleanup
}

func claimForWorker(t *testing.T, b *broker.Broker, workerID string) domain.Job {
	t.Helper()
	j, err := b.RequestJob(context.Background(), domain.WorkerCapabilities{
		WorkerID: workerID, Services: []string{"sim"}, ConcurrentJobs: 1,
	})
	if err != nil || j == nil {
		t.Fatalf("RequestJob: %v %v", j, err)
	}
	return *j
}

func TestProcessJobCompletes(t *testing.T) {
	w, b, rdb, cleanup := newTestWorker(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := b.Submit(ctx, domain.Job{
		Type:    "sim",
		Payload: json.RawMessage(`{"duration_ms":20,"steps":2}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := claimForWorker(t, b, w.ID())

	w.processJob(ctx, job)

	final, err := b.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != domain.JobCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}

	// The progress stream carries intermediate updates plus the terminal entry.
	entries, err := rdb.XRange(ctx, broker.ProgressStreamKey(id), "-", "+").Result()
	if err != nil {
		t.Fatalf("stream read: %v", err)
	}
	if len(entries) < 3 {
		t.Fatalf("stream entries = %d, want at least 3", len(entries))
	}
	last := entries[len(entries)-1].Values
	if last["status"] != string(domain.JobCompleted) {
		t.Errorf("terminal entry = %v", last)
	}

	if w.busy() {
		t.Error("worker still marked busy after completion")
	}
}

func TestProcessJobRefusalIsPermanent(t *testing.T) {
	w, b, rdb, cleanup := newTestWorker(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := b.Submit(ctx, domain.Job{
		Type:    "sim",
		Payload: json.RawMessage(`{"refuse":true}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := claimForWorker(t, b, w.ID())

	w.processJob(ctx, job)

	final, err := b.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	// Refusals are never retried, whatever the retry budget says.
	if depth, _ := b.QueueDepth(ctx); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}

	entries, err := rdb.XRange(ctx, broker.ProgressStreamKey(id), "-", "+").Result()
	if err != nil || len(entries) == 0 {
		t.Fatalf("stream read: %v (%d entries)", err, len(entries))
	}
	last := entries[len(entries)-1].Values
	if last["failure_type"] != string(failure.TypeGenerationRefusal) {
		t.Errorf("failure_type = %v, want generation_refusal", last["failure_type"])
	}
	if last["will_retry"] != "false" {
		t.Errorf("will_retry = %v, want false", last["will_retry"])
	}
}

func TestProcessJobBackendFailure(t *testing.T) {
	w, b, _, cleanup := newTestWorker(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := b.Submit(ctx, domain.Job{
		Type:    "sim",
		Payload: json.RawMessage(`{"duration_ms":10,"steps":1,"fail":"boom"}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := claimForWorker(t, b, w.ID())

	w.processJob(ctx, job)

	final, err := b.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestProcessJobCancelledByCommand(t *testing.T) {
	w, b, _, cleanup := newTestWorker(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := b.Submit(ctx, domain.Job{
		Type:    "sim",
		Payload: json.RawMessage(`{"duration_ms":5000,"steps":10}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := claimForWorker(t, b, w.ID())

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.processJob(ctx, job)
	}()

	// Wait until the job is registered as current, then cancel it the way
	// the command consumer does.
	deadline := time.After(2 * time.Second)
	for w.currentJob() == nil {
		select {
		case <-deadline:
			t.Fatal("job never became current")
		case <-time.After(time.Millisecond):
		}
	}
	w.currentJob().cancel(errJobCancelled)
	<-done

	final, err := b.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != domain.JobCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
}

func TestClassifyConnectorErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType failure.Type
	}{
		{
			name:     "refusal error",
			err:      &connector.RefusalError{Service: "sim", Description: "content was flagged by the safety filter"},
			wantType: failure.TypeGenerationRefusal,
		},
		{
			name:     "backend 503",
			err:      &connector.BackendError{Service: "sim", Status: 503, Body: "maintenance"},
			wantType: failure.TypeServiceError,
		},
		{
			name:     "backend timeout",
			err:      &connector.BackendError{Service: "sim", Timeout: true, Err: context.DeadlineExceeded},
			wantType: failure.TypeTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err, "sim")
			if got.Type != tt.wantType {
				t.Errorf("type = %s, want %s", got.Type, tt.wantType)
			}
		})
	}
}
