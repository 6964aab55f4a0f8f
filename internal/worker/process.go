package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/connector"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
	"github.com/fairyhunter13/ai-job-hub/internal/failure"
)

// processJob drives one claimed job from assignment to a terminal state.
// It blocks until the job finishes; the worker holds one job at a time.
func (w *Worker) processJob(ctx context.Context, job domain.Job) {
	log := slog.With(
		slog.String("worker_id", w.ID()),
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type))

	// The broker already counted earlier attempts into the job record; the
	// attempt number only feeds logging and connector payload hints here.
	attempt := domain.ExtractRetryAttempt(job)
	log.Info("job claimed", slog.Int("attempt", attempt), slog.Int("priority", job.Priority))

	jobCtx, cancel := context.WithCancelCause(ctx)
	deadline, cancelDeadline := context.WithTimeout(jobCtx, w.cfg.JobTimeout())
	defer cancelDeadline()
	defer cancel(nil)

	active := &activeJob{job: job, cancel: cancel, startedAt: time.Now()}
	active.touch()
	w.setCurrent(active)
	observability.JobsActive.Set(1)
	defer func() {
		w.setCurrent(nil)
		observability.JobsActive.Set(0)
		if err := w.registry.SetStatus(ctx, w.ID(), w.caps.MachineID, domain.WorkerIdle, ""); err != nil {
			log.Warn("idle status publish failed", slog.Any("error", err))
		}
	}()

	if err := w.registry.SetStatus(ctx, w.ID(), w.caps.MachineID, domain.WorkerBusy, job.ID); err != nil {
		log.Warn("busy status publish failed", slog.Any("error", err))
	}

	conn, ok := w.manager.ForJob(job)
	if !ok {
		// The claim script matched on advertised services, so this is a
		// local wiring problem. Put the job back for another worker.
		cls := failure.Classification{
			Type:        failure.TypeSystemError,
			Reason:      failure.ReasonInternalError,
			Description: "no connector available for service " + job.Type,
		}
		w.finalizeFailure(ctx, job, "no connector for service "+job.Type, cls, true, domain.JobFailed, nil)
		return
	}

	if err := w.broker.MarkInProgress(ctx, job.ID, w.ID()); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			log.Info("job already terminal before start, skipping")
			return
		}
		log.Error("mark in progress failed", slog.Any("error", err))
	}

	progress := func(pct float64, msg string) {
		active.touch()
		ev := domain.ProgressEvent{
			JobID:    job.ID,
			Progress: pct,
			Message:  msg,
			WorkerID: w.ID(),
		}
		if err := w.broker.UpdateProgress(ctx, ev); err != nil && ctx.Err() == nil {
			log.Warn("progress publish failed", slog.Any("error", err))
		}
	}
	if reporter, ok := conn.(connector.ActivityReporter); ok {
		reporter.SetActivityCallback(func(jobID string, _ time.Time) {
			if jobID == job.ID {
				active.touch()
			}
		})
	}

	monitorDone := make(chan struct{})
	go w.monitorJob(deadline, conn, active, monitorDone)

	start := time.Now()
	result, err := conn.ProcessJob(deadline, job, progress)
	close(monitorDone)
	elapsed := time.Since(start)

	out := broker.Outcome{Worker: w.identity()}
	cause := context.Cause(jobCtx)
	switch {
	case err == nil:
		result = w.offloadOutput(ctx, job, result)
		if err := w.broker.Complete(ctx, job, result, out); err != nil {
			log.Error("job completion write failed", slog.Any("error", err))
			return
		}
		log.Info("job completed", slog.Duration("elapsed", elapsed))

	case errors.Is(cause, errJobHealthCompleted):
		// The health monitor already wrote the completion.
		log.Info("job completed via health check", slog.Duration("elapsed", elapsed))

	case errors.Is(cause, errJobCancelled):
		if err := w.broker.FinalizeCancel(ctx, job, "cancelled by command", out); err != nil {
			log.Error("job cancel finalize failed", slog.Any("error", err))
		}
		log.Info("job cancelled", slog.Duration("elapsed", elapsed))

	case errors.Is(cause, errJobTimedOut):
		// The timeout sweep already finalized the job through the broker.
		log.Warn("job released after timeout sweep", slog.Duration("elapsed", elapsed))

	case errors.Is(cause, errJobStalled):
		cls := failure.Classification{
			Type:        failure.TypeTimeout,
			Reason:      failure.ReasonProcessingTimeout,
			Description: "backend went silent past the inactivity timeout",
		}
		w.finalizeFailure(ctx, job, "job stalled: no backend activity", cls, true, domain.JobTimedOut, conn)
		log.Warn("job stalled", slog.Duration("elapsed", elapsed))

	case errors.Is(deadline.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		cls := failure.Classification{
			Type:        failure.TypeTimeout,
			Reason:      failure.ReasonJobTimeout,
			Description: "job exceeded the " + w.cfg.JobTimeout().String() + " processing deadline",
		}
		w.finalizeFailure(ctx, job, "job processing timed out", cls, true, domain.JobTimedOut, conn)
		log.Warn("job timed out", slog.Duration("elapsed", elapsed))

	case ctx.Err() != nil:
		// Worker shutdown mid-job: requeue so another worker picks it up.
		cls := failure.Classification{
			Type:        failure.TypeSystemError,
			Reason:      failure.ReasonWorkerLost,
			Description: "worker shut down while the job was running",
		}
		shCtx, cancelSh := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelSh()
		w.finalizeFailure(shCtx, job, "worker shutdown during processing", cls, true, domain.JobFailed, nil)
		log.Warn("job interrupted by shutdown")

	default:
		cls := classifyError(err, job.Type)
		retryable := failure.Retryable(cls.Type)
		w.finalizeFailure(ctx, job, err.Error(), cls, retryable, domain.JobFailed, conn)
		log.Warn("job failed",
			slog.String("failure_type", string(cls.Type)),
			slog.String("failure_reason", string(cls.Reason)),
			slog.Bool("retryable", retryable),
			slog.Duration("elapsed", elapsed))
	}
}

// finalizeFailure records the failure via the broker and, when the job will
// be retried, waits out the backoff delay so a flapping backend is not
// hammered by instant reclaims.
func (w *Worker) finalizeFailure(ctx context.Context, job domain.Job, errMsg string, cls failure.Classification, retryable bool, terminal domain.JobStatus, conn connector.Connector) {
	if conn != nil {
		if err := conn.CancelJob(ctx, job.ID); err != nil {
			slog.Warn("backend cancel after failure failed",
				slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	out := broker.Outcome{Worker: w.identity()}
	willRetry, err := w.broker.Fail(ctx, job, errMsg, cls, retryable, terminal, out)
	if err != nil {
		slog.Error("job failure write failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if willRetry {
		delay := w.cfg.GetRetryConfig().NextDelay(job.RetryCount)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

// outputInlineLimit is the largest job output stored inline in the Redis
// job record; bigger outputs move to the artifact store.
const outputInlineLimit = 64 << 10

// offloadOutput moves an oversized job output into the artifact store and
// replaces it with a URL reference. Without a store, or on store failure,
// the output stays inline.
func (w *Worker) offloadOutput(ctx context.Context, job domain.Job, result domain.JobResult) domain.JobResult {
	if w.artifacts == nil || len(result.Output) <= outputInlineLimit {
		return result
	}
	key := "jobs/" + job.ID + "/output.json"
	url, err := w.artifacts.Put(ctx, key, result.Output, "application/json")
	if err != nil {
		slog.Warn("artifact offload failed, keeping output inline",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return result
	}
	result.ArtifactURLs = append(result.ArtifactURLs, url)
	result.Output, _ = json.Marshal(map[string]string{"artifact_url": url})
	return result
}

// classifyError maps a connector error to the failure taxonomy, pulling
// HTTP status and timeout hints from BackendError when present.
func classifyError(err error, serviceType string) failure.Classification {
	var refusal *connector.RefusalError
	if errors.As(err, &refusal) {
		return failure.Classify(refusal.Description, failure.Context{ServiceType: serviceType})
	}
	fctx := failure.Context{ServiceType: serviceType}
	var be *connector.BackendError
	if errors.As(err, &be) {
		fctx.HTTPStatus = be.Status
		fctx.Timeout = be.Timeout
		fctx.RawResponse = be.Body
	}
	return failure.Classify(err.Error(), fctx)
}
