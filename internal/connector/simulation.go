package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// SimulationConnector fakes a backend in-process. It serves any service
// whose name contains "sim", which lets a fleet run end to end without a
// real provider. The job payload steers the outcome:
//
//	duration_ms  total simulated processing time (default 200)
//	steps        progress updates emitted (default 4)
//	fail         force a failure with the given text
//	refuse       force a content-policy refusal
type SimulationConnector struct {
	*BaseConnector
}

// NewSimulation builds a simulation connector for one service name.
func NewSimulation(settings Settings, rdb *redis.Client) *SimulationConnector {
	settings = settings.withDefaults()
	id := settings.ID
	if id == "" {
		id = settings.Service + "-sim"
	}
	return &SimulationConnector{
		BaseConnector: NewBaseConnector(id, settings.Service, rdb, settings.MaxConcurrent),
	}
}

// Initialize records the connector as idle. There is nothing to connect to.
func (c *SimulationConnector) Initialize(ctx context.Context) error {
	c.SetState(ctx, domain.ConnectorIdle, nil)
	return nil
}

// Cleanup marks the connector offline.
func (c *SimulationConnector) Cleanup(ctx context.Context) error {
	c.SetState(ctx, domain.ConnectorOffline, nil)
	return nil
}

func (c *SimulationConnector) CheckHealth(_ context.Context) bool { return true }

func (c *SimulationConnector) GetAvailableModels(_ context.Context) []string {
	return []string{"sim-standard", "sim-fast"}
}

// CanProcessJob accepts the configured service plus any "sim"-flavored type.
func (c *SimulationConnector) CanProcessJob(job domain.Job) bool {
	return job.Type == c.ServiceType() || strings.Contains(job.Type, "sim")
}

type simOptions struct {
	DurationMS int    `json:"duration_ms"`
	Steps      int    `json:"steps"`
	Fail       string `json:"fail"`
	Refuse     bool   `json:"refuse"`
}

// ProcessJob walks progress to 100 over the simulated duration.
func (c *SimulationConnector) ProcessJob(ctx context.Context, job domain.Job, progress ProgressFunc) (domain.JobResult, error) {
	if err := c.TryAcquire(); err != nil {
		return domain.JobResult{}, err
	}
	defer c.Release()
	c.SetState(ctx, domain.ConnectorActive, nil)
	defer c.SetState(ctx, domain.ConnectorIdle, nil)

	var opts simOptions
	if len(job.Payload) > 0 {
		_ = json.Unmarshal(job.Payload, &opts)
	}
	if opts.DurationMS <= 0 {
		opts.DurationMS = 200
	}
	if opts.Steps <= 0 {
		opts.Steps = 4
	}

	if opts.Refuse {
		observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "refused").Inc()
		return domain.JobResult{}, &RefusalError{
			Service:     c.ServiceType(),
			Description: "I cannot generate this content as it violates our content policy (request id wfr_simulated001)",
		}
	}

	step := time.Duration(opts.DurationMS) * time.Millisecond / time.Duration(opts.Steps)
	for i := 1; i <= opts.Steps; i++ {
		select {
		case <-ctx.Done():
			return domain.JobResult{}, fmt.Errorf("op=connector.ProcessJob job=%s: %w", job.ID, ctx.Err())
		case <-time.After(step):
		}
		progress(float64(i)*100/float64(opts.Steps+1), fmt.Sprintf("simulated step %d/%d", i, opts.Steps))
	}

	if opts.Fail != "" {
		observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "failed").Inc()
		return domain.JobResult{}, &BackendError{
			Service: c.ServiceType(),
			Err:     fmt.Errorf("simulated failure: %s", opts.Fail),
		}
	}

	progress(100, "completed")
	observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "completed").Inc()
	out, _ := json.Marshal(map[string]any{
		"simulated": true,
		"job_id":    job.ID,
		"service":   c.ServiceType(),
	})
	return domain.JobResult{Output: out}, nil
}

// CancelJob is a no-op; cancellation lands through the job context.
func (c *SimulationConnector) CancelJob(_ context.Context, _ string) error { return nil }

// HealthCheckJob reports a simulated job as still running; the simulator
// never stalls, so monitors leave it alone.
func (c *SimulationConnector) HealthCheckJob(_ context.Context, _ string) (JobHealth, error) {
	return JobHealth{Action: HealthContinue, Reason: "simulation in progress"}, nil
}
