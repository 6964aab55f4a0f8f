package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/connector"
)

// monitorJob watches a running job for silent stalls. When the connector
// can ask its backend about job state (JobHealthChecker) and the job shows
// no activity for the inactivity timeout, the monitor acts on the backend's
// verdict: completing, cancelling, or leaving the job alone. It exits when
// processing finishes or the job context ends.
func (w *Worker) monitorJob(ctx context.Context, conn connector.Connector, active *activeJob, done <-chan struct{}) {
	checker, ok := conn.(connector.JobHealthChecker)
	if !ok {
		return
	}
	interval := w.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := slog.With(
		slog.String("worker_id", w.ID()),
		slog.String("job_id", active.job.ID))

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		idle := time.Since(active.idleSince())
		if idle < w.cfg.InactivityTimeout {
			continue
		}

		health, err := checker.HealthCheckJob(ctx, active.job.ID)
		if err != nil {
			log.Warn("job health check failed",
				slog.Duration("idle", idle), slog.Any("error", err))
			continue
		}
		log.Info("job health verdict",
			slog.String("action", string(health.Action)),
			slog.String("reason", health.Reason),
			slog.Duration("idle", idle))

		switch health.Action {
		case connector.HealthComplete:
			// Backend finished but never told us. Record the result it
			// reported and release the processing goroutine.
			if health.Result == nil {
				log.Warn("health check reported completion without a result, keeping the job running")
				active.touch()
				continue
			}
			out := broker.Outcome{Worker: w.identity()}
			if err := w.broker.Complete(ctx, active.job, *health.Result, out); err != nil {
				log.Error("health-driven completion failed", slog.Any("error", err))
				continue
			}
			active.cancel(errJobHealthCompleted)
			return
		case connector.HealthFail, connector.HealthRequeue:
			// Let the processing goroutine observe the cancellation; its
			// failure path classifies and requeues through the broker.
			active.cancel(errJobStalled)
			return
		case connector.HealthContinue:
			active.touch()
		}
	}
}
