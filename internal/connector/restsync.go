package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// RESTAdapter shapes requests and responses for one REST-backed service.
// The sync and async bases both use it; async adapters additionally
// implement AsyncRESTAdapter.
type RESTAdapter interface {
	// BuildRequestPayload turns the job into the backend request body.
	BuildRequestPayload(job domain.Job) ([]byte, error)
	// ParseResponse turns a 2xx backend body into the job result.
	ParseResponse(body []byte, job domain.Job) (domain.JobResult, error)
	// ValidateServiceResponse rejects structurally valid but semantically
	// empty or broken responses before they are accepted as results.
	ValidateServiceResponse(body []byte) error
}

// RESTSyncConnector processes a job with a single blocking backend request.
// Suited to backends that answer within one HTTP timeout.
type RESTSyncConnector struct {
	*BaseConnector
	settings Settings
	client   *backendClient
	adapter  RESTAdapter
}

// NewRESTSync builds a synchronous REST connector around an adapter.
func NewRESTSync(settings Settings, adapter RESTAdapter, rdb *redis.Client) (*RESTSyncConnector, error) {
	if adapter == nil {
		return nil, fmt.Errorf("op=connector.NewRESTSync: adapter is required: %w", domain.ErrInvalidArgument)
	}
	if settings.BaseURL == "" {
		return nil, fmt.Errorf("op=connector.NewRESTSync service=%s: base_url is required: %w",
			settings.Service, domain.ErrInvalidArgument)
	}
	settings = settings.withDefaults()
	id := settings.ID
	if id == "" {
		id = settings.Service + "-rest"
	}
	return &RESTSyncConnector{
		BaseConnector: NewBaseConnector(id, settings.Service, rdb, settings.MaxConcurrent),
		settings:      settings,
		client:        newBackendClient(settings.Service, settings),
		adapter:       adapter,
	}, nil
}

// Initialize probes the backend once and records the connector as idle.
func (c *RESTSyncConnector) Initialize(ctx context.Context) error {
	c.SetState(ctx, domain.ConnectorConnecting, nil)
	if !c.CheckHealth(ctx) {
		err := fmt.Errorf("op=connector.Initialize connector=%s: backend health probe failed", c.ID())
		c.SetState(ctx, domain.ConnectorWaitingForService, err)
		return err
	}
	c.SetState(ctx, domain.ConnectorIdle, nil)
	return nil
}

// Cleanup marks the connector offline.
func (c *RESTSyncConnector) Cleanup(ctx context.Context) error {
	c.SetState(ctx, domain.ConnectorOffline, nil)
	return nil
}

// CheckHealth probes the configured health endpoint; without one it reports
// healthy, deferring failures to job time.
func (c *RESTSyncConnector) CheckHealth(ctx context.Context) bool {
	if c.settings.HealthEndpoint == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	status, _, err := c.client.Do(ctx, http.MethodGet, c.settings.BaseURL+c.settings.HealthEndpoint, nil)
	return err == nil && status < 400
}

// GetAvailableModels lists backend models from the models endpoint or the
// static configuration.
func (c *RESTSyncConnector) GetAvailableModels(ctx context.Context) []string {
	if c.settings.ModelsEndpoint == "" {
		return c.settings.Models
	}
	_, body, err := c.client.Do(ctx, http.MethodGet, c.settings.BaseURL+c.settings.ModelsEndpoint, nil)
	if err != nil {
		slog.Warn("model listing failed",
			slog.String("connector_id", c.ID()), slog.Any("error", err))
		return c.settings.Models
	}
	return parseModelList(body, c.settings.Models)
}

// ProcessJob issues one backend request and maps the response to a result.
func (c *RESTSyncConnector) ProcessJob(ctx context.Context, job domain.Job, progress ProgressFunc) (domain.JobResult, error) {
	if err := c.TryAcquire(); err != nil {
		return domain.JobResult{}, err
	}
	defer c.Release()
	c.SetState(ctx, domain.ConnectorActive, nil)
	defer c.SetState(ctx, domain.ConnectorIdle, nil)

	payload, err := c.adapter.BuildRequestPayload(job)
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("op=connector.ProcessJob job=%s: build payload: %w", job.ID, err)
	}
	progress(5, "request submitted")

	_, body, err := c.client.DoWithRetry(ctx, http.MethodPost, c.settings.BaseURL+c.settings.Endpoint, payload)
	if err != nil {
		observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "failed").Inc()
		return domain.JobResult{}, fmt.Errorf("op=connector.ProcessJob job=%s: %w", job.ID, err)
	}

	if desc, refused := DetectRefusal(string(body)); refused {
		observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "refused").Inc()
		return domain.JobResult{}, &RefusalError{Service: c.ServiceType(), Description: desc}
	}
	if err := c.adapter.ValidateServiceResponse(body); err != nil {
		observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "invalid").Inc()
		return domain.JobResult{}, fmt.Errorf("op=connector.ProcessJob job=%s: invalid backend response: %w", job.ID, err)
	}
	result, err := c.adapter.ParseResponse(body, job)
	if err != nil {
		observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "invalid").Inc()
		return domain.JobResult{}, fmt.Errorf("op=connector.ProcessJob job=%s: parse response: %w", job.ID, err)
	}
	progress(100, "completed")
	observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "completed").Inc()
	return result, nil
}

// CancelJob is a no-op: a synchronous request has no backend-side handle.
// The worker cancels by abandoning the context.
func (c *RESTSyncConnector) CancelJob(_ context.Context, _ string) error { return nil }

// parseModelList accepts either a bare JSON array of names or an OpenAI-style
// {"data":[{"id":...}]} envelope.
func parseModelList(body []byte, fallback []string) []string {
	var names []string
	if err := json.Unmarshal(body, &names); err == nil && len(names) > 0 {
		return names
	}
	var envelope struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		out := make([]string, 0, len(envelope.Data))
		for _, m := range envelope.Data {
			out = append(out, m.ID)
		}
		return out
	}
	return fallback
}
