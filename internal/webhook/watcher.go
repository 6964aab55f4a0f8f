package webhook

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/ai-job-hub/internal/bridge"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// Watcher turns a job's progress stream into webhook events. The hub
// attaches one watch per submitted job; the watch lives until the job's
// terminal event arrives.
type Watcher struct {
	bridge     *bridge.Bridge
	dispatcher *Dispatcher
}

// NewWatcher wires the event bridge to the dispatcher.
func NewWatcher(br *bridge.Bridge, d *Dispatcher) *Watcher {
	return &Watcher{bridge: br, dispatcher: d}
}

// Watch follows one job and dispatches its lifecycle events. Intermediate
// progress is not forwarded; webhooks carry state changes, not telemetry.
func (w *Watcher) Watch(ctx context.Context, job domain.Job) {
	events, unsubscribe := w.bridge.Subscribe(job.ID)
	go func() {
		defer unsubscribe()
		w.dispatcher.Dispatch(ctx, Event{
			Type:       string(bridge.EventStarted),
			CustomerID: job.CustomerID,
			JobType:    job.Type,
			Data: map[string]any{
				"job_id": job.ID,
				"type":   job.Type,
				"status": string(domain.JobPending),
			},
			Metadata: watchMetadata(job),
		})
		for {
			select {
			case <-ctx.Done():
				return
			case ev, open := <-events:
				if !open {
					slog.Debug("webhook watch ended without terminal event",
						slog.String("job_id", job.ID))
					return
				}
				if !ev.Terminal() {
					continue
				}
				w.dispatcher.Dispatch(ctx, Event{
					Type:       string(ev.Type),
					CustomerID: job.CustomerID,
					JobType:    job.Type,
					Data:       ev.Data,
					Metadata:   watchMetadata(job),
				})
				return
			}
		}
	}()
}

func watchMetadata(job domain.Job) map[string]any {
	md := map[string]any{"job_type": job.Type}
	if job.CustomerID != "" {
		md["customer_id"] = job.CustomerID
	}
	if job.WorkflowID != "" {
		md["workflow_id"] = job.WorkflowID
		md["step"] = job.Step
		md["total_steps"] = job.TotalSteps
	}
	return md
}
