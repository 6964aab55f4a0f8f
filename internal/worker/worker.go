// Package worker runs the single-job worker loop: claim, dispatch to a
// connector, stream progress, and finalize through the broker. One worker
// process holds at most one job at a time; fleet capacity scales by
// process count.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-job-hub/internal/artifact"
	"github.com/fairyhunter13/ai-job-hub/internal/attestation"
	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/config"
	"github.com/fairyhunter13/ai-job-hub/internal/connector"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// Cancellation causes routed through the job context so the processing
// goroutine can tell why it was interrupted.
var (
	errJobCancelled       = errors.New("job cancelled by command")
	errJobHealthCompleted = errors.New("job completed via health check")
	errJobStalled         = errors.New("job stalled: no backend activity")
	errJobTimedOut        = errors.New("job swept past the processing deadline")
)

type activeJob struct {
	job          domain.Job
	cancel       context.CancelCauseFunc
	startedAt    time.Time
	lastActivity atomic.Int64 // unix milli
}

func (a *activeJob) touch() { a.lastActivity.Store(time.Now().UnixMilli()) }

func (a *activeJob) idleSince() time.Time {
	return time.UnixMilli(a.lastActivity.Load())
}

// Worker is one single-job worker process.
type Worker struct {
	cfg       config.Config
	broker    *broker.Broker
	registry  *broker.Registry
	manager   *connector.Manager
	artifacts artifact.Store
	caps      domain.WorkerCapabilities

	mu      sync.Mutex
	current *activeJob
}

// SetArtifactStore enables output offloading: job outputs above the inline
// limit are stored as artifacts and referenced by URL instead of being
// written into Redis.
func (w *Worker) SetArtifactStore(s artifact.Store) { w.artifacts = s }

// New assembles a worker. Capabilities are derived from configuration and
// the connector manager's healthy services at startup.
func New(cfg config.Config, b *broker.Broker, reg *broker.Registry, mgr *connector.Manager) (*Worker, error) {
	if b == nil || reg == nil || mgr == nil {
		return nil, fmt.Errorf("op=worker.New: broker, registry and manager are required: %w", domain.ErrInvalidArgument)
	}
	// The worker id must be stable across restarts: a fresh id per process
	// would orphan the previous identity's active-job set until the stale
	// sweeper notices. Refuse to invent one.
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("op=worker.New: WORKER_ID is required: %w", domain.ErrInvalidArgument)
	}
	machineID := cfg.MachineID
	if machineID == "" {
		machineID = "machine-" + uuid.NewString()[:8]
	}
	return &Worker{
		cfg:      cfg,
		broker:   b,
		registry: reg,
		manager:  mgr,
		caps: domain.WorkerCapabilities{
			WorkerID:       cfg.WorkerID,
			MachineID:      machineID,
			Version:        cfg.WorkerVersion,
			ConcurrentJobs: 1,
		},
	}, nil
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.caps.WorkerID }

// Run registers the worker and drives the poll loop until ctx is
// cancelled, then deregisters. Heartbeats and the command consumer run as
// side loops for the lifetime of the worker.
func (w *Worker) Run(ctx context.Context) error {
	w.caps.Services = w.manager.Services()
	w.caps.Models = w.manager.Models(ctx)
	if len(w.caps.Services) == 0 {
		return fmt.Errorf("op=worker.Run worker=%s: no connectors loaded: %w", w.ID(), domain.ErrInvalidArgument)
	}
	if err := w.registry.Register(ctx, w.caps); err != nil {
		return fmt.Errorf("op=worker.Run worker=%s: %w", w.ID(), err)
	}
	if err := w.registry.SetStatus(ctx, w.ID(), w.caps.MachineID, domain.WorkerIdle, ""); err != nil {
		slog.Warn("initial status publish failed", slog.String("worker_id", w.ID()), slog.Any("error", err))
	}
	slog.Info("worker registered",
		slog.String("worker_id", w.ID()),
		slog.String("machine_id", w.caps.MachineID),
		slog.Any("services", w.caps.Services))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); w.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); w.commandLoop(ctx) }()
	go func() { defer wg.Done(); w.timeoutSweepLoop(ctx) }()

	ticker := time.NewTicker(w.cfg.PollInterval())
	defer ticker.Stop()

poll:
	for {
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
		}
		if w.busy() {
			continue
		}
		job, err := w.broker.RequestJob(ctx, w.claimCaps(ctx))
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("job claim failed", slog.String("worker_id", w.ID()), slog.Any("error", err))
			}
			continue
		}
		if job == nil {
			continue
		}
		w.processJob(ctx, *job)
	}

	wg.Wait()
	// Deregister with a fresh context; the run context is already dead.
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.registry.Deregister(shCtx, w.ID(), w.caps.MachineID); err != nil {
		slog.Error("worker deregister failed", slog.String("worker_id", w.ID()), slog.Any("error", err))
	}
	slog.Info("worker stopped", slog.String("worker_id", w.ID()))
	return nil
}

// claimCaps refreshes the advertised services with current connector
// health so a dead backend stops attracting its job type.
func (w *Worker) claimCaps(ctx context.Context) domain.WorkerCapabilities {
	caps := w.caps
	if healthy := w.manager.HealthyServices(ctx); len(healthy) > 0 {
		caps.Services = healthy
	}
	return caps
}

func (w *Worker) busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != nil
}

func (w *Worker) setCurrent(a *activeJob) {
	w.mu.Lock()
	w.current = a
	w.mu.Unlock()
}

func (w *Worker) currentJob() *activeJob {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Worker) identity() attestation.WorkerIdentity {
	return attestation.WorkerIdentity{
		WorkerID:  w.caps.WorkerID,
		MachineID: w.caps.MachineID,
		Version:   w.caps.Version,
	}
}

// heartbeatLoop refreshes the worker heartbeat until ctx ends.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.registry.Heartbeat(ctx, w.ID()); err != nil && ctx.Err() == nil {
				slog.Warn("heartbeat failed", slog.String("worker_id", w.ID()), slog.Any("error", err))
			}
		}
	}
}
