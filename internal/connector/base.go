package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// BaseConnector carries the lifecycle state every protocol connector shares:
// identity, connection state, last error, the concurrency cap, and the Redis
// status record. Protocol bases embed it; the Redis client is optional so
// connectors stay testable without an instance.
type BaseConnector struct {
	id      string
	service string
	rdb     *redis.Client

	mu        sync.Mutex
	state     domain.ConnectorState
	lastErr   string
	active    int
	maxActive int
}

// NewBaseConnector builds the shared state. maxActive <= 0 means 1.
func NewBaseConnector(id, service string, rdb *redis.Client, maxActive int) *BaseConnector {
	if maxActive <= 0 {
		maxActive = 1
	}
	return &BaseConnector{
		id:        id,
		service:   service,
		rdb:       rdb,
		state:     domain.ConnectorStarting,
		maxActive: maxActive,
	}
}

func (b *BaseConnector) ID() string          { return b.id }
func (b *BaseConnector) ServiceType() string { return b.service }

// State returns the current connector state and last error text.
func (b *BaseConnector) State() (domain.ConnectorState, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.lastErr
}

// SetState records a state transition, mirrors it into the connector's Redis
// hash, and publishes a status event. Redis failures are logged, not
// returned: status reporting never blocks job processing.
func (b *BaseConnector) SetState(ctx context.Context, state domain.ConnectorState, cause error) {
	b.mu.Lock()
	b.state = state
	if cause != nil {
		b.lastErr = cause.Error()
	} else if state == domain.ConnectorActive || state == domain.ConnectorIdle {
		b.lastErr = ""
	}
	lastErr := b.lastErr
	b.mu.Unlock()

	up := 0.0
	if state == domain.ConnectorActive || state == domain.ConnectorIdle {
		up = 1.0
	}
	observability.ConnectorUp.WithLabelValues(b.id, b.service).Set(up)

	if b.rdb == nil {
		return
	}
	now := time.Now().UTC()
	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, broker.ConnectorKey(b.id), map[string]any{
		"connector_id": b.id,
		"service":      b.service,
		"status":       string(state),
		"last_error":   lastErr,
		"last_check":   strconv.FormatInt(now.UnixMilli(), 10),
	})
	ev, _ := json.Marshal(map[string]any{
		"connector_id": b.id,
		"service":      b.service,
		"status":       string(state),
		"last_error":   lastErr,
		"ts":           now.UnixMilli(),
	})
	pipe.Publish(ctx, broker.ConnectorStatusChannel(b.id), string(ev))
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("connector status publish failed",
			slog.String("connector_id", b.id), slog.Any("error", err))
	}
}

// TryAcquire reserves a processing slot. Returns ErrWorkerBusy when the
// connector is already at its concurrency cap.
func (b *BaseConnector) TryAcquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active >= b.maxActive {
		return fmt.Errorf("op=connector.TryAcquire connector=%s active=%d: %w",
			b.id, b.active, domain.ErrWorkerBusy)
	}
	b.active++
	return nil
}

// Release frees a processing slot.
func (b *BaseConnector) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active > 0 {
		b.active--
	}
}

// ActiveJobs reports how many jobs the connector currently holds.
func (b *BaseConnector) ActiveJobs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// CanProcessJob matches on service type. Protocol bases may layer model and
// payload checks on top.
func (b *BaseConnector) CanProcessJob(job domain.Job) bool {
	return job.Type == b.service
}
