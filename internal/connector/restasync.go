package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// PollStatus is one observation of an async backend job.
type PollStatus struct {
	Done     bool
	Failed   bool
	Progress float64
	Message  string
	// FailureText carries the backend's error text when Failed is set.
	FailureText string
}

// AsyncRESTAdapter extends RESTAdapter for submit-then-poll backends.
type AsyncRESTAdapter interface {
	RESTAdapter
	// ExtractBackendJobID pulls the backend's job handle from the submit
	// response.
	ExtractBackendJobID(body []byte) (string, error)
	// StatusPath builds the polling path for a backend job handle.
	StatusPath(backendJobID string) string
	// ExtractStatus interprets one poll response.
	ExtractStatus(body []byte) (PollStatus, error)
}

// RESTAsyncConnector submits a job, then polls the backend until it reports
// a terminal state. Progress observed while polling is forwarded upstream.
type RESTAsyncConnector struct {
	*BaseConnector
	settings Settings
	client   *backendClient
	adapter  AsyncRESTAdapter

	mu      sync.Mutex
	inFlight map[string]string // job ID -> backend job ID, for cancellation
}

// NewRESTAsync builds a polling REST connector around an adapter.
func NewRESTAsync(settings Settings, adapter AsyncRESTAdapter, rdb *redis.Client) (*RESTAsyncConnector, error) {
	if adapter == nil {
		return nil, fmt.Errorf("op=connector.NewRESTAsync: adapter is required: %w", domain.ErrInvalidArgument)
	}
	if settings.BaseURL == "" {
		return nil, fmt.Errorf("op=connector.NewRESTAsync service=%s: base_url is required: %w",
			settings.Service, domain.ErrInvalidArgument)
	}
	settings = settings.withDefaults()
	id := settings.ID
	if id == "" {
		id = settings.Service + "-rest-async"
	}
	return &RESTAsyncConnector{
		BaseConnector: NewBaseConnector(id, settings.Service, rdb, settings.MaxConcurrent),
		settings:      settings,
		client:        newBackendClient(settings.Service, settings),
		adapter:       adapter,
		inFlight:      make(map[string]string),
	}, nil
}

// Initialize probes the backend and records the connector as idle.
func (c *RESTAsyncConnector) Initialize(ctx context.Context) error {
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
func (c *RESTAsyncConnector) Cleanup(ctx context.Context) error {
	c.SetState(ctx, domain.ConnectorOffline, nil)
	return nil
}

// CheckHealth probes the health endpoint when configured.
func (c *RESTAsyncConnector) CheckHealth(ctx context.Context) bool {
	if c.settings.HealthEndpoint == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	status, _, err := c.client.Do(ctx, http.MethodGet, c.settings.BaseURL+c.settings.HealthEndpoint, nil)
	return err == nil && status < 400
}

// GetAvailableModels lists backend models, same contract as the sync base.
func (c *RESTAsyncConnector) GetAvailableModels(ctx context.Context) []string {
	if c.settings.ModelsEndpoint == "" {
		return c.settings.Models
	}
	_, body, err := c.client.Do(ctx, http.MethodGet, c.settings.BaseURL+c.settings.ModelsEndpoint, nil)
	if err != nil {
		return c.settings.Models
	}
	return parseModelList(body, c.settings.Models)
}

// ProcessJob submits, then polls until the backend reports done or failed.
func (c *RESTAsyncConnector) ProcessJob(ctx context.Context, job domain.Job, progress ProgressFunc) (domain.JobResult, error) {
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
	_, body, err := c.client.DoWithRetry(ctx, http.MethodPost, c.settings.BaseURL+c.settings.Endpoint, payload)
	if err != nil {
		observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "failed").Inc()
		return domain.JobResult{}, fmt.Errorf("op=connector.ProcessJob job=%s: submit: %w", job.ID, err)
	}
	backendID, err := c.adapter.ExtractBackendJobID(body)
	if err != nil {
		observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "invalid").Inc()
		return domain.JobResult{}, fmt.Errorf("op=connector.ProcessJob job=%s: backend job id: %w", job.ID, err)
	}
	c.track(job.ID, backendID)
	defer c.untrack(job.ID)
	progress(5, "submitted to backend")

	result, err := c.poll(ctx, job, backendID, progress)
	if err != nil {
		observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "failed").Inc()
		return domain.JobResult{}, err
	}
	progress(100, "completed")
	observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "completed").Inc()
	return result, nil
}

func (c *RESTAsyncConnector) poll(ctx context.Context, job domain.Job, backendID string, progress ProgressFunc) (domain.JobResult, error) {
	ticker := time.NewTicker(c.settings.PollInterval)
	defer ticker.Stop()
	statusURL := c.settings.BaseURL + c.adapter.StatusPath(backendID)

	for {
		select {
		case <-ctx.Done():
			return domain.JobResult{}, fmt.Errorf("op=connector.poll job=%s: %w", job.ID, ctx.Err())
		case <-ticker.C:
		}

		_, body, err := c.client.Do(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			// Transient poll failures are absorbed; the job deadline bounds
			// how long a silent backend can be tolerated.
			slog.Warn("status poll failed",
				slog.String("connector_id", c.ID()),
				slog.String("job_id", job.ID),
				slog.Any("error", err))
			if !transient(err) {
				return domain.JobResult{}, fmt.Errorf("op=connector.poll job=%s: %w", job.ID, err)
			}
			continue
		}

		st, err := c.adapter.ExtractStatus(body)
		if err != nil {
			return domain.JobResult{}, fmt.Errorf("op=connector.poll job=%s: parse status: %w", job.ID, err)
		}
		if st.Failed {
			if desc, refused := DetectRefusal(st.FailureText); refused {
				observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "refused").Inc()
				return domain.JobResult{}, &RefusalError{Service: c.ServiceType(), Description: desc}
			}
			return domain.JobResult{}, &BackendError{
				Service: c.ServiceType(),
				Body:    st.FailureText,
				Err:     fmt.Errorf("backend reported job failure: %s", st.FailureText),
			}
		}
		if !st.Done {
			if st.Progress > 0 {
				progress(clampProgress(st.Progress), st.Message)
			}
			continue
		}

		if desc, refused := DetectRefusal(string(body)); refused {
			observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "refused").Inc()
			return domain.JobResult{}, &RefusalError{Service: c.ServiceType(), Description: desc}
		}
		if err := c.adapter.ValidateServiceResponse(body); err != nil {
			return domain.JobResult{}, fmt.Errorf("op=connector.poll job=%s: invalid backend response: %w", job.ID, err)
		}
		return c.adapter.ParseResponse(body, job)
	}
}

// CancelJob deletes the backend job when the adapter exposes a status path;
// DELETE on the status resource is the conventional cancel for these
// backends. Backends that do not support it return 404/405, which is fine.
func (c *RESTAsyncConnector) CancelJob(ctx context.Context, jobID string) error {
	c.mu.Lock()
	backendID, ok := c.inFlight[jobID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_, _, err := c.client.Do(ctx, http.MethodDelete, c.settings.BaseURL+c.adapter.StatusPath(backendID), nil)
	if err != nil && !isNotSupported(err) {
		return fmt.Errorf("op=connector.CancelJob job=%s: %w", jobID, err)
	}
	return nil
}

func (c *RESTAsyncConnector) track(jobID, backendID string) {
	c.mu.Lock()
	c.inFlight[jobID] = backendID
	c.mu.Unlock()
}

func (c *RESTAsyncConnector) untrack(jobID string) {
	c.mu.Lock()
	delete(c.inFlight, jobID)
	c.mu.Unlock()
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 99:
		// 100 is reserved for the terminal completion event.
		return 99
	default:
		return p
	}
}

func isNotSupported(err error) bool {
	var be *BackendError
	if !errors.As(err, &be) {
		return false
	}
	return be.Status == http.StatusNotFound || be.Status == http.StatusMethodNotAllowed
}
