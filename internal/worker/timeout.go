package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
	"github.com/fairyhunter13/ai-job-hub/internal/failure"
)

// timeoutSweepLoop periodically force-finalizes the held job once it has
// overrun the processing deadline. The per-job context already stops
// cooperative connectors; the sweep covers a connector that ignores
// cancellation, so the job is requeued for the rest of the fleet instead
// of hanging with this worker forever.
func (w *Worker) timeoutSweepLoop(ctx context.Context) {
	interval := w.cfg.TimeoutSweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.sweepOverdueJob(ctx, interval)
	}
}

// sweepOverdueJob finalizes the current job as timed out when it is more
// than one sweep interval past its deadline. The grace window lets the
// processing goroutine observe its own context deadline first; the sweep
// only fires when that path clearly did not run. Reports whether a job
// was swept.
func (w *Worker) sweepOverdueJob(ctx context.Context, grace time.Duration) bool {
	active := w.currentJob()
	if active == nil {
		return false
	}
	overdue := time.Since(active.startedAt) - w.cfg.JobTimeout()
	if overdue <= grace {
		return false
	}
	cls := failure.Classification{
		Type:        failure.TypeTimeout,
		Reason:      failure.ReasonJobTimeout,
		Description: "job still running " + overdue.Round(time.Second).String() + " past the processing deadline",
	}
	out := broker.Outcome{Worker: w.identity()}
	if _, err := w.broker.Fail(ctx, active.job, "job processing timed out", cls, true, domain.JobTimedOut, out); err != nil {
		// Terminal means the processing goroutine finalized in the meantime;
		// anything else is retried on the next sweep.
		if !errors.Is(err, domain.ErrJobTerminal) {
			slog.Error("timeout sweep finalize failed",
				slog.String("worker_id", w.ID()),
				slog.String("job_id", active.job.ID),
				slog.Any("error", err))
			return false
		}
	}
	active.cancel(errJobTimedOut)
	slog.Warn("job swept past processing deadline",
		slog.String("worker_id", w.ID()),
		slog.String("job_id", active.job.ID),
		slog.Duration("overdue", overdue))
	return true
}
