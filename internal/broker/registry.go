package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// WorkerRecord is the projection of a worker hash used by monitors and the
// stale-worker sweeper.
type WorkerRecord struct {
	WorkerID     string                     `json:"worker_id"`
	MachineID    string                     `json:"machine_id,omitempty"`
	Status       domain.WorkerStatus        `json:"status"`
	CurrentJob   string                     `json:"current_job,omitempty"`
	Capabilities domain.WorkerCapabilities  `json:"capabilities"`
	Heartbeat    time.Time                  `json:"heartbeat"`
	RegisteredAt time.Time                  `json:"registered_at"`
}

// MachineEvent is published on the machine pub/sub channel on worker status
// transitions.
type MachineEvent struct {
	WorkerID  string              `json:"worker_id"`
	MachineID string              `json:"machine_id,omitempty"`
	Status    domain.WorkerStatus `json:"status"`
	JobID     string              `json:"job_id,omitempty"`
	At        time.Time           `json:"ts"`
}

// Registry maintains worker records, heartbeats, and the active-worker
// index. It is used by workers to register themselves and by the hub to
// enumerate the fleet.
type Registry struct {
	rdb *redis.Client
}

// NewRegistry creates a worker registry on the shared Redis client.
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

// Register writes the worker record and adds the worker to the active index.
func (r *Registry) Register(ctx context.Context, caps domain.WorkerCapabilities) error {
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("op=registry.Register worker=%s: %w", caps.WorkerID, err)
	}
	now := time.Now().UTC()
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, WorkerKey(caps.WorkerID), map[string]any{
		"worker_id":     caps.WorkerID,
		"machine_id":    caps.MachineID,
		"status":        string(domain.WorkerInitializing),
		"capabilities":  string(capsJSON),
		"heartbeat":     strconv.FormatInt(now.UnixMilli(), 10),
		"registered_at": now.Format(time.RFC3339Nano),
		"current_job":   "",
	})
	pipe.SAdd(ctx, ActiveWorkersKey, caps.WorkerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=registry.Register worker=%s: %w", caps.WorkerID, err)
	}
	return nil
}

// Heartbeat refreshes the worker's heartbeat timestamp.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	err := r.rdb.HSet(ctx, WorkerKey(workerID),
		"heartbeat", strconv.FormatInt(time.Now().UnixMilli(), 10)).Err()
	if err != nil {
		return fmt.Errorf("op=registry.Heartbeat worker=%s: %w", workerID, err)
	}
	return nil
}

// SetStatus updates worker status and current job, refreshes the heartbeat,
// and publishes a machine event.
func (r *Registry) SetStatus(ctx context.Context, workerID, machineID string, status domain.WorkerStatus, currentJob string) error {
	now := time.Now().UTC()
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, WorkerKey(workerID),
		"status", string(status),
		"current_job", currentJob,
		"heartbeat", strconv.FormatInt(now.UnixMilli(), 10))
	ev := MachineEvent{WorkerID: workerID, MachineID: machineID, Status: status, JobID: currentJob, At: now}
	evJSON, _ := json.Marshal(ev)
	pipe.Publish(ctx, MachineEventChannel(machineID, workerID), string(evJSON))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=registry.SetStatus worker=%s: %w", workerID, err)
	}
	return nil
}

// Deregister marks the worker offline and removes it from the active index.
// The worker hash is left behind (with offline status) for post-mortems.
func (r *Registry) Deregister(ctx context.Context, workerID, machineID string) error {
	if err := r.SetStatus(ctx, workerID, machineID, domain.WorkerOffline, ""); err != nil {
		return err
	}
	if err := r.rdb.SRem(ctx, ActiveWorkersKey, workerID).Err(); err != nil {
		return fmt.Errorf("op=registry.Deregister worker=%s: %w", workerID, err)
	}
	return nil
}

// Get loads one worker record.
func (r *Registry) Get(ctx context.Context, workerID string) (WorkerRecord, error) {
	fields, err := r.rdb.HGetAll(ctx, WorkerKey(workerID)).Result()
	if err != nil {
		return WorkerRecord{}, fmt.Errorf("op=registry.Get worker=%s: %w", workerID, err)
	}
	if len(fields) == 0 {
		return WorkerRecord{}, fmt.Errorf("op=registry.Get worker=%s: %w", workerID, domain.ErrNotFound)
	}
	return recordFromFields(workerID, fields), nil
}

// List returns all currently-registered workers.
func (r *Registry) List(ctx context.Context) ([]WorkerRecord, error) {
	ids, err := r.rdb.SMembers(ctx, ActiveWorkersKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=registry.List: %w", err)
	}
	out := make([]WorkerRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func recordFromFields(workerID string, fields map[string]string) WorkerRecord {
	rec := WorkerRecord{
		WorkerID:   workerID,
		MachineID:  fields["machine_id"],
		Status:     domain.WorkerStatus(fields["status"]),
		CurrentJob: fields["current_job"],
	}
	if ms, err := strconv.ParseInt(fields["heartbeat"], 10, 64); err == nil {
		rec.Heartbeat = time.UnixMilli(ms).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["registered_at"]); err == nil {
		rec.RegisteredAt = t
	}
	_ = json.Unmarshal([]byte(fields["capabilities"]), &rec.Capabilities)
	return rec
}
