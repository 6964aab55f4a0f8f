package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-job-hub/internal/attestation"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
	"github.com/fairyhunter13/ai-job-hub/internal/failure"
	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
)

// StaleWorkerSweeper recovers jobs orphaned by crashed workers. A worker is
// stale once its heartbeat is older than missedBeats heartbeat intervals;
// its active jobs go back to the pending queue with retry_count incremented
// and a system_error/worker_lost attestation, and the worker is deregistered.
type StaleWorkerSweeper struct {
	broker      *Broker
	registry    *Registry
	interval    time.Duration
	heartbeat   time.Duration
	missedBeats int
}

// NewStaleWorkerSweeper creates a sweeper. Zero values get defaults matching
// the worker heartbeat contract (30 s interval, 3 missed beats).
func NewStaleWorkerSweeper(b *Broker, reg *Registry, heartbeat time.Duration, missedBeats int) *StaleWorkerSweeper {
	if b == nil || reg == nil {
		return nil
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if missedBeats <= 0 {
		missedBeats = 3
	}
	return &StaleWorkerSweeper{
		broker:      b,
		registry:    reg,
		interval:    heartbeat,
		heartbeat:   heartbeat,
		missedBeats: missedBeats,
	}
}

// Run sweeps periodically until ctx is cancelled.
func (s *StaleWorkerSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(jitter(s.interval))
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale worker sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce checks every registered worker and recovers jobs from stale ones.
// Returns the number of recovered jobs.
func (s *StaleWorkerSweeper) SweepOnce(ctx context.Context) int {
	workers, err := s.registry.List(ctx)
	if err != nil {
		slog.Error("stale worker sweep failed to list workers", slog.Any("error", err))
		return 0
	}
	cutoff := time.Now().Add(-time.Duration(s.missedBeats) * s.heartbeat)
	recovered := 0
	for _, w := range workers {
		if w.Status == domain.WorkerOffline {
			continue
		}
		if w.Heartbeat.After(cutoff) {
			continue
		}
		recovered += s.recoverWorker(ctx, w)
	}
	return recovered
}

func (s *StaleWorkerSweeper) recoverWorker(ctx context.Context, w WorkerRecord) int {
	slog.Warn("stale worker detected",
		slog.String("worker_id", w.WorkerID),
		slog.Time("last_heartbeat", w.Heartbeat))

	entries, err := s.broker.Client().HGetAll(ctx, ActiveJobsKey(w.WorkerID)).Result()
	if err != nil {
		slog.Error("stale worker sweep failed to read active set",
			slog.String("worker_id", w.WorkerID), slog.Any("error", err))
		return 0
	}

	cls := failure.Classification{
		Type:        failure.TypeSystemError,
		Reason:      failure.ReasonWorkerLost,
		Description: "worker " + w.WorkerID + " missed heartbeats; job recovered by sweeper",
	}
	recovered := 0
	for jobID, raw := range entries {
		var j domain.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			slog.Error("stale worker sweep found undecodable active job",
				slog.String("worker_id", w.WorkerID), slog.String("job_id", jobID), slog.Any("error", err))
			// Drop the orphan entry so it cannot linger forever.
			_ = s.broker.Client().HDel(ctx, ActiveJobsKey(w.WorkerID), jobID).Err()
			continue
		}
		out := Outcome{Worker: attestation.WorkerIdentity{WorkerID: w.WorkerID, MachineID: w.MachineID}}
		willRetry, err := s.broker.Fail(ctx, j, "worker lost: missed heartbeats", cls, true, domain.JobFailed, out)
		if err != nil {
			slog.Error("stale worker sweep failed to requeue job",
				slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		recovered++
		observability.StaleJobsRecoveredTotal.Inc()
		slog.Info("orphaned job recovered",
			slog.String("job_id", jobID),
			slog.String("worker_id", w.WorkerID),
			slog.Bool("requeued", willRetry))
	}

	if err := s.registry.Deregister(ctx, w.WorkerID, w.MachineID); err != nil {
		slog.Error("stale worker deregister failed",
			slog.String("worker_id", w.WorkerID), slog.Any("error", err))
	}
	return recovered
}
