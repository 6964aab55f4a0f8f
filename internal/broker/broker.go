package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-job-hub/internal/attestation"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
	"github.com/fairyhunter13/ai-job-hub/internal/failure"
	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
)

// claimScanLimit bounds how many pending candidates a single claim attempt
// inspects. Deep queues with many incompatible jobs ahead of a compatible
// one are expected to drain quickly, so a modest window is enough.
const claimScanLimit = 100

// Options tunes broker behavior.
type Options struct {
	Retry          domain.RetryConfig
	RetryTTL       time.Duration
	PermanentTTL   time.Duration
	FinalizeMaxTry uint64
}

// Broker owns the pending queue and job hashes. All state lives in Redis;
// mutating transitions run through server-side scripts so that concurrent
// workers cannot observe intermediate states.
type Broker struct {
	rdb  *redis.Client
	opts Options
}

// New creates a Broker. TTLs must be non-zero.
func New(rdb *redis.Client, opts Options) (*Broker, error) {
	if rdb == nil {
		return nil, fmt.Errorf("op=broker.New: nil redis client: %w", domain.ErrInvalidArgument)
	}
	if opts.RetryTTL <= 0 || opts.PermanentTTL <= 0 {
		return nil, fmt.Errorf("op=broker.New: attestation TTLs must be non-zero: %w", domain.ErrInvalidArgument)
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = domain.DefaultRetryConfig()
	}
	if opts.FinalizeMaxTry == 0 {
		opts.FinalizeMaxTry = 5
	}
	return &Broker{rdb: rdb, opts: opts}, nil
}

// Client exposes the underlying Redis client for collaborators that share
// the connection (bridge, registry, sweeper).
func (b *Broker) Client() *redis.Client { return b.rdb }

// Submit stores the job record and places it on the pending queue. It
// returns the job id and the job's current queue position.
func (b *Broker) Submit(ctx context.Context, j domain.Job) (string, int64, error) {
	if j.Type == "" {
		return "", 0, fmt.Errorf("op=broker.Submit: missing job type: %w", domain.ErrInvalidArgument)
	}
	if j.ID == "" {
		j.ID = ulid.Make().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = b.opts.Retry.MaxRetries
	}
	j.Status = domain.JobPending

	data, err := json.Marshal(j)
	if err != nil {
		return "", 0, fmt.Errorf("op=broker.Submit job=%s: %w", j.ID, err)
	}
	score := PendingScore(j.Priority, j.CreatedAt)

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, JobKey(j.ID), map[string]any{
		"data":        string(data),
		"id":          j.ID,
		"type":        j.Type,
		"status":      string(domain.JobPending),
		"priority":    j.Priority,
		"retry_count": j.RetryCount,
		"max_retries": j.MaxRetries,
		"workflow_id": j.WorkflowID,
		"customer_id": j.CustomerID,
		"created_at":  j.CreatedAt.Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, PendingKey, redis.Z{Score: score, Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", 0, fmt.Errorf("op=broker.Submit job=%s: %w", j.ID, err)
	}

	pos, err := b.rdb.ZRank(ctx, PendingKey, j.ID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		pos = 0
	}
	observability.JobsSubmittedTotal.WithLabelValues(j.Type).Inc()
	return j.ID, pos, nil
}

// RequestJob atomically claims the best matching pending job for the given
// capabilities. Returns (nil, nil) when no compatible job is pending.
func (b *Broker) RequestJob(ctx context.Context, caps domain.WorkerCapabilities) (*domain.Job, error) {
	if caps.ConcurrentJobs != 1 {
		return nil, fmt.Errorf("op=broker.RequestJob worker=%s: concurrent_jobs must be 1: %w",
			caps.WorkerID, domain.ErrInvalidArgument)
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("op=broker.RequestJob worker=%s: %w", caps.WorkerID, err)
	}

	tracer := otel.Tracer("broker")
	ctx, span := tracer.Start(ctx, "Broker.RequestJob")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", caps.WorkerID))

	start := time.Now()
	res, err := claimScript.Run(ctx, b.rdb, []string{PendingKey},
		string(capsJSON),
		caps.WorkerID,
		time.Now().UTC().Format(time.RFC3339Nano),
		claimScanLimit,
	).Result()
	observability.ClaimDuration.Observe(time.Since(start).Seconds())
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("op=broker.RequestJob worker=%s: %w", caps.WorkerID, err)
	}
	raw, ok := res.(string)
	if !ok || raw == "" {
		return nil, nil
	}
	var j domain.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("op=broker.RequestJob worker=%s: decode claimed job: %w", caps.WorkerID, err)
	}
	span.SetAttributes(attribute.String("job.id", j.ID), attribute.String("job.type", j.Type))
	return &j, nil
}

// MarkInProgress transitions an assigned job to in_progress.
func (b *Broker) MarkInProgress(ctx context.Context, jobID, workerID string) error {
	res, err := setStatusScript.Run(ctx, b.rdb, []string{JobKey(jobID)},
		jobID, string(domain.JobInProgress), workerID).Int()
	if err != nil {
		return fmt.Errorf("op=broker.MarkInProgress job=%s: %w", jobID, err)
	}
	if res == 0 {
		return fmt.Errorf("op=broker.MarkInProgress job=%s: %w", jobID, domain.ErrJobTerminal)
	}
	return nil
}

// UpdateProgress appends a progress event to the job's stream and mirrors
// the latest percentage into the job hash. Progress writes are
// fire-and-forget from the worker's perspective; errors are returned so the
// caller can log them but need not retry.
func (b *Broker) UpdateProgress(ctx context.Context, ev domain.ProgressEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	pipe := b.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: ProgressStreamKey(ev.JobID),
		Values: map[string]any{
			"progress":  strconv.FormatFloat(ev.Progress, 'f', -1, 64),
			"message":   ev.Message,
			"worker_id": ev.WorkerID,
			"ts":        strconv.FormatInt(ev.At.UnixMilli(), 10),
		},
	})
	pipe.HSet(ctx, JobKey(ev.JobID), "progress", ev.Progress)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=broker.UpdateProgress job=%s: %w", ev.JobID, err)
	}
	return nil
}

// Outcome carries worker identity and the scrubbed service round-trip for
// attestation records accompanying Complete/Fail.
type Outcome struct {
	Worker      attestation.WorkerIdentity
	RawRequest  any
	RawResponse any
}

// Complete finalizes a successful job: terminal hash update, active-set
// removal, completion attestation, then the terminal stream entry. The
// Redis transition is retried with bounded backoff because the job is
// in-flight and state must eventually reach terminal.
func (b *Broker) Complete(ctx context.Context, j domain.Job, result domain.JobResult, out Outcome) error {
	now := time.Now().UTC()
	j.Status = domain.JobCompleted
	j.CompletedAt = now
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=broker.Complete job=%s: %w", j.ID, err)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=broker.Complete job=%s: %w", j.ID, err)
	}
	rec := attestation.NewCompletion(j, out.Worker, resultJSON, out.RawRequest, out.RawResponse, now)
	recJSON, err := rec.Marshal()
	if err != nil {
		return err
	}
	attempt := j.RetryCount + 1
	key := attestation.CompletionKey(j.WorkflowID, j.ID, attempt)

	err = b.finalize(ctx, func(ctx context.Context) error {
		res, err := completeScript.Run(ctx, b.rdb,
			[]string{JobKey(j.ID), ActiveJobsKey(j.AssignedWorker)},
			j.AssignedWorker, j.ID, string(data), string(resultJSON),
			now.Format(time.RFC3339Nano), key, string(recJSON),
			int(b.opts.PermanentTTL.Seconds()),
		).Int()
		if err != nil {
			return err
		}
		if res == 0 {
			return backoff.Permanent(fmt.Errorf("job %s: %w", j.ID, domain.ErrJobTerminal))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=broker.Complete job=%s: %w", j.ID, err)
	}

	b.appendTerminal(ctx, j.ID, map[string]any{
		"progress":  "100",
		"status":    string(domain.JobCompleted),
		"worker_id": out.Worker.WorkerID,
		"result":    string(resultJSON),
		"ts":        strconv.FormatInt(now.UnixMilli(), 10),
	})
	observability.JobsCompletedTotal.WithLabelValues(j.Type).Inc()
	return nil
}

// Fail records a failure outcome. Retryable failures below the retry budget
// are atomically requeued at the job's original priority with a retry
// attestation; everything else becomes permanent. At retry_count ==
// max_retries the next retryable failure becomes permanent. The terminal
// status defaults to failed; pass terminalStatus to land on timeout or
// cancelled instead. Returns whether the job will be retried.
func (b *Broker) Fail(ctx context.Context, j domain.Job, errMsg string, cls failure.Classification, retryable bool, terminalStatus domain.JobStatus, out Outcome) (bool, error) {
	now := time.Now().UTC()
	willRetry := retryable && j.RetryCount < j.MaxRetries
	if terminalStatus == "" {
		terminalStatus = domain.JobFailed
	}

	attempt := j.RetryCount + 1
	j.RetryCount++
	j.LastError = errMsg
	if willRetry {
		j.Status = domain.JobPending
		j.AssignedWorker = ""
	} else {
		j.Status = terminalStatus
		j.CompletedAt = now
	}
	data, err := json.Marshal(j)
	if err != nil {
		return false, fmt.Errorf("op=broker.Fail job=%s: %w", j.ID, err)
	}

	rec := attestation.NewFailure(j, out.Worker, cls, errMsg, willRetry, out.RawRequest, out.RawResponse, now)
	rec.RetryCount = attempt - 1
	recJSON, err := rec.Marshal()
	if err != nil {
		return false, err
	}

	var attKey, wfKey, compatKey string
	ttl := b.opts.RetryTTL
	if willRetry {
		attKey = attestation.FailureRetryKey(j.WorkflowID, j.ID, attempt)
		if j.WorkflowID != "" {
			wfKey = attestation.WorkflowFailureKey(j.WorkflowID, attempt, false)
		}
	} else {
		ttl = b.opts.PermanentTTL
		attKey = attestation.FailurePermanentKey(j.WorkflowID, j.ID)
		compatKey = attestation.CompletionKey(j.WorkflowID, j.ID, attempt)
		if j.WorkflowID != "" {
			wfKey = attestation.WorkflowFailureKey(j.WorkflowID, 0, true)
		}
	}

	owner := out.Worker.WorkerID
	err = b.finalize(ctx, func(ctx context.Context) error {
		res, err := failScript.Run(ctx, b.rdb,
			[]string{JobKey(j.ID), PendingKey, ActiveJobsKey(owner)},
			owner, j.ID, boolArg(willRetry), string(data), string(j.Status),
			j.RetryCount, errMsg, PendingScore(j.Priority, j.CreatedAt),
			now.Format(time.RFC3339Nano), attKey, string(recJSON),
			int(ttl.Seconds()), wfKey, compatKey,
		).Int()
		if err != nil {
			return err
		}
		if res == 0 {
			return backoff.Permanent(fmt.Errorf("job %s: %w", j.ID, domain.ErrJobTerminal))
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("op=broker.Fail job=%s: %w", j.ID, err)
	}

	if willRetry {
		b.appendTerminal(ctx, j.ID, map[string]any{
			"progress":    "0",
			"message":     "retrying: " + errMsg,
			"worker_id":   owner,
			"retry_count": j.RetryCount,
			"ts":          strconv.FormatInt(now.UnixMilli(), 10),
		})
		observability.JobsRetriedTotal.WithLabelValues(j.Type, string(cls.Type)).Inc()
	} else {
		b.appendTerminal(ctx, j.ID, map[string]any{
			"status":              string(j.Status),
			"worker_id":           owner,
			"error_message":       errMsg,
			"failure_type":        string(cls.Type),
			"failure_reason":      string(cls.Reason),
			"failure_description": cls.Description,
			"will_retry":          "false",
			"retry_count":         j.RetryCount,
			"ts":                  strconv.FormatInt(now.UnixMilli(), 10),
		})
		observability.JobsFailedTotal.WithLabelValues(j.Type, string(cls.Type)).Inc()
	}
	return willRetry, nil
}

// Cancel requests cancellation of a job. Pending jobs are cancelled
// immediately; assigned jobs get a cancel command on the owning worker's
// command stream and the worker finishes the cancellation.
func (b *Broker) Cancel(ctx context.Context, jobID, reason string) error {
	now := time.Now().UTC()
	res, err := cancelScript.Run(ctx, b.rdb, []string{JobKey(jobID), PendingKey},
		jobID, reason, now.Format(time.RFC3339Nano)).StringSlice()
	if err != nil {
		return fmt.Errorf("op=broker.Cancel job=%s: %w", jobID, err)
	}
	switch res[0] {
	case "missing":
		return fmt.Errorf("op=broker.Cancel job=%s: %w", jobID, domain.ErrNotFound)
	case "terminal":
		return fmt.Errorf("op=broker.Cancel job=%s: %w", jobID, domain.ErrJobTerminal)
	case "cancelled":
		b.appendTerminal(ctx, jobID, map[string]any{
			"status":        string(domain.JobCancelled),
			"error_message": reason,
			"ts":            strconv.FormatInt(now.UnixMilli(), 10),
		})
		return nil
	}
	// Assigned: route the cancel to the owning worker.
	workerID := res[1]
	if workerID == "" {
		return fmt.Errorf("op=broker.Cancel job=%s: assigned without owner: %w", jobID, domain.ErrInternal)
	}
	if err := b.PushCommand(ctx, workerID, domain.WorkerCommand{
		Action: domain.CommandCancel, JobID: jobID, At: now,
	}); err != nil {
		return err
	}
	return nil
}

// FinalizeCancel is called by the owning worker once the connector has
// aborted the job. It lands the job on cancelled with a permanent
// attestation, mirroring the Fail path without retry accounting.
func (b *Broker) FinalizeCancel(ctx context.Context, j domain.Job, reason string, out Outcome) error {
	cls := failure.Classification{Description: reason}
	_, err := b.Fail(ctx, j, "cancelled: "+reason, cls, false, domain.JobCancelled, out)
	return err
}

// PushCommand appends a command to the worker's command stream.
func (b *Broker) PushCommand(ctx context.Context, workerID string, cmd domain.WorkerCommand) error {
	if cmd.At.IsZero() {
		cmd.At = time.Now().UTC()
	}
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: CommandStreamKey(workerID),
		Values: map[string]any{
			"action": string(cmd.Action),
			"job_id": cmd.JobID,
			"ts":     strconv.FormatInt(cmd.At.UnixMilli(), 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("op=broker.PushCommand worker=%s: %w", workerID, err)
	}
	return nil
}

// GetJob loads a job record.
func (b *Broker) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	raw, err := b.rdb.HGet(ctx, JobKey(jobID), "data").Result()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, fmt.Errorf("op=broker.GetJob job=%s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=broker.GetJob job=%s: %w", jobID, err)
	}
	var j domain.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return domain.Job{}, fmt.Errorf("op=broker.GetJob job=%s: %w", jobID, err)
	}
	return j, nil
}

// QueueDepth returns the number of pending jobs.
func (b *Broker) QueueDepth(ctx context.Context) (int64, error) {
	n, err := b.rdb.ZCard(ctx, PendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("op=broker.QueueDepth: %w", err)
	}
	return n, nil
}

// appendTerminal appends a terminal (or retry-notice) stream entry. Failures
// here are logged, not returned: the job hash is already consistent and a
// missing stream entry only delays subscribers until the next read.
func (b *Broker) appendTerminal(ctx context.Context, jobID string, values map[string]any) {
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: ProgressStreamKey(jobID),
		Values: values,
	}).Err(); err != nil {
		slog.Error("terminal stream entry append failed",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// finalize retries fn with capped exponential backoff. Used for the
// complete/fail transitions, which must eventually land.
func (b *Broker) finalize(ctx context.Context, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, b.opts.FinalizeMaxTry), ctx)
	return backoff.Retry(func() error { return fn(ctx) }, policy)
}

func boolArg(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// jitter is used by callers that want to desynchronize periodic work.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}
