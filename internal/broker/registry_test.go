package broker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

func newTestRegistry(t *testing.T) (*Registry, *redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return NewRegistry(rdb), rdb, cleanup
}

func TestRegisterAndGet(t *testing.T) {
	reg, _, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	caps := domain.WorkerCapabilities{
		WorkerID:       "w1",
		MachineID:      "m1",
		Services:       []string{"image-gen"},
		ConcurrentJobs: 1,
	}
	if err := reg.Register(ctx, caps); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec, err := reg.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != domain.WorkerInitializing {
		t.Errorf("status = %s, want initializing", rec.Status)
	}
	if rec.MachineID != "m1" {
		t.Errorf("machine = %s, want m1", rec.MachineID)
	}
	if len(rec.Capabilities.Services) != 1 || rec.Capabilities.Services[0] != "image-gen" {
		t.Errorf("capabilities not round-tripped: %+v", rec.Capabilities)
	}
	if rec.Heartbeat.IsZero() {
		t.Error("heartbeat not set on register")
	}
	if rec.RegisteredAt.IsZero() {
		t.Error("registered_at not set on register")
	}
}

func TestGetUnknownWorker(t *testing.T) {
	reg, _, cleanup := newTestRegistry(t)
	defer cleanup()

	if _, err := reg.Get(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown worker")
	}
}

func TestSetStatusAndHeartbeat(t *testing.T) {
	reg, _, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	caps := domain.WorkerCapabilities{WorkerID: "w1", Services: []string{"sim"}, ConcurrentJobs: 1}
	if err := reg.Register(ctx, caps); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.SetStatus(ctx, "w1", "", domain.WorkerBusy, "job-1"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	rec, err := reg.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != domain.WorkerBusy {
		t.Errorf("status = %s, want busy", rec.Status)
	}
	if rec.CurrentJob != "job-1" {
		t.Errorf("current job = %s, want job-1", rec.CurrentJob)
	}

	before := rec.Heartbeat
	time.Sleep(2 * time.Millisecond)
	if err := reg.Heartbeat(ctx, "w1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	rec, _ = reg.Get(ctx, "w1")
	if !rec.Heartbeat.After(before) {
		t.Errorf("heartbeat did not advance: %v -> %v", before, rec.Heartbeat)
	}
}

func TestListAndDeregister(t *testing.T) {
	reg, _, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"w1", "w2"} {
		caps := domain.WorkerCapabilities{WorkerID: id, Services: []string{"sim"}, ConcurrentJobs: 1}
		if err := reg.Register(ctx, caps); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	workers, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(workers))
	}

	if err := reg.Deregister(ctx, "w1", ""); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	workers, err = reg.List(ctx)
	if err != nil {
		t.Fatalf("List after deregister: %v", err)
	}
	if len(workers) != 1 || workers[0].WorkerID != "w2" {
		t.Errorf("workers after deregister = %+v, want only w2", workers)
	}

	// The record survives deregistration for post-mortems, marked offline.
	rec, err := reg.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get after deregister: %v", err)
	}
	if rec.Status != domain.WorkerOffline {
		t.Errorf("status = %s, want offline", rec.Status)
	}
}

func TestSweepOnceRecoversOrphanedJobs(t *testing.T) {
	b, rdb, cleanup := newTestBroker(t)
	defer cleanup()
	reg := NewRegistry(rdb)
	ctx := context.Background()

	caps := testCaps("w1", "image-gen")
	if err := reg.Register(ctx, caps); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, err := b.Submit(ctx, domain.Job{Type: "image-gen"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	j, err := b.RequestJob(ctx, caps)
	if err != nil || j == nil {
		t.Fatalf("RequestJob: %v %v", j, err)
	}

	// Backdate the heartbeat so the worker looks dead.
	stale := time.Now().Add(-10 * time.Minute).UnixMilli()
	if err := rdb.HSet(ctx, WorkerKey("w1"), "heartbeat", stale).Err(); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	sweeper := NewStaleWorkerSweeper(b, reg, 30*time.Second, 3)
	recovered := sweeper.SweepOnce(ctx)
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	// The orphan is back in the pending queue with a bumped retry count.
	requeued, err := b.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if requeued.Status != domain.JobPending {
		t.Errorf("status = %s, want pending", requeued.Status)
	}
	if requeued.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", requeued.RetryCount)
	}

	// The dead worker is deregistered.
	rec, err := reg.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != domain.WorkerOffline {
		t.Errorf("worker status = %s, want offline", rec.Status)
	}
	workers, _ := reg.List(ctx)
	if len(workers) != 0 {
		t.Errorf("active workers = %d, want 0", len(workers))
	}
}

func TestSweepOnceSkipsHealthyAndOfflineWorkers(t *testing.T) {
	b, rdb, cleanup := newTestBroker(t)
	defer cleanup()
	reg := NewRegistry(rdb)
	ctx := context.Background()

	healthy := testCaps("w-healthy", "image-gen")
	if err := reg.Register(ctx, healthy); err != nil {
		t.Fatalf("Register healthy: %v", err)
	}
	if _, _, err := b.Submit(ctx, domain.Job{Type: "image-gen"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j, err := b.RequestJob(ctx, healthy); err != nil || j == nil {
		t.Fatalf("RequestJob: %v %v", j, err)
	}

	// An offline worker with a stale heartbeat is somebody else's cleanup.
	gone := testCaps("w-gone", "image-gen")
	if err := reg.Register(ctx, gone); err != nil {
		t.Fatalf("Register gone: %v", err)
	}
	stale := time.Now().Add(-time.Hour).UnixMilli()
	if err := rdb.HSet(ctx, WorkerKey("w-gone"), "heartbeat", stale, "status", string(domain.WorkerOffline)).Err(); err != nil {
		t.Fatalf("mark offline: %v", err)
	}

	sweeper := NewStaleWorkerSweeper(b, reg, 30*time.Second, 3)
	if recovered := sweeper.SweepOnce(ctx); recovered != 0 {
		t.Fatalf("recovered = %d, want 0", recovered)
	}

	rec, err := reg.Get(ctx, "w-healthy")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status == domain.WorkerOffline {
		t.Error("healthy worker was swept")
	}
}
