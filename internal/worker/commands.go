package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// commandLoop consumes the worker's command stream. Commands are addressed
// to this worker only; cancel is the one action currently routed.
func (w *Worker) commandLoop(ctx context.Context) {
	stream := broker.CommandStreamKey(w.ID())
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := w.broker.Client().XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Block:   5 * time.Second,
			Count:   10,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			slog.Warn("command stream read failed",
				slog.String("worker_id", w.ID()), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				lastID = msg.ID
				w.handleCommand(ctx, msg.Values)
			}
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, values map[string]any) {
	action, _ := values["action"].(string)
	jobID, _ := values["job_id"].(string)
	log := slog.With(
		slog.String("worker_id", w.ID()),
		slog.String("action", action),
		slog.String("job_id", jobID))

	switch domain.CommandAction(action) {
	case domain.CommandCancel:
		active := w.currentJob()
		if active == nil || active.job.ID != jobID {
			log.Info("cancel command for job not held here, ignoring")
			return
		}
		log.Info("cancelling running job on command")
		if conn, ok := w.manager.ForJob(active.job); ok {
			if err := conn.CancelJob(ctx, jobID); err != nil {
				log.Warn("backend cancel failed", slog.Any("error", err))
			}
		}
		active.cancel(errJobCancelled)
	default:
		log.Warn("unsupported worker command")
	}
}
