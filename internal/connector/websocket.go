package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// MessageKind classifies one inbound WebSocket frame.
type MessageKind int

const (
	// MessageIgnore is chatter the adapter does not care about.
	MessageIgnore MessageKind = iota
	// MessageProgress updates a running job.
	MessageProgress
	// MessageResult completes a job.
	MessageResult
	// MessageError fails a job.
	MessageError
	// MessagePing asks for a keep-alive reply built by BuildPongMessage.
	MessagePing
)

// MessageAdapter maps between jobs and one backend's WebSocket dialect.
type MessageAdapter interface {
	// ClassifyMessage routes a raw inbound frame.
	ClassifyMessage(raw []byte) MessageKind
	// ExtractJobID pulls the correlating job id from a frame. Empty means
	// the frame applies to the connection, not a specific job.
	ExtractJobID(raw []byte) string
	// ExtractProgress reads progress percent and message from a progress
	// frame.
	ExtractProgress(raw []byte) (float64, string)
	// ExtractError reads the failure text from an error frame.
	ExtractError(raw []byte) string
	// BuildJobMessage turns a job into the outbound submission frame.
	BuildJobMessage(job domain.Job) ([]byte, error)
	// BuildCancelMessage builds a cancel frame, or nil if the dialect has
	// no cancel.
	BuildCancelMessage(jobID string) []byte
	// BuildPongMessage answers an application-level ping frame.
	BuildPongMessage(raw []byte) []byte
	// ParseJobResult turns a result frame into the job result.
	ParseJobResult(raw []byte, job domain.Job) (domain.JobResult, error)
}

type wsOutcome struct {
	result domain.JobResult
	err    error
}

type wsJob struct {
	job      domain.Job
	outcome  chan wsOutcome
	progress ProgressFunc
}

// WSConnector holds one persistent WebSocket session to a backend and
// multiplexes jobs over it. Frames are correlated back to jobs by the
// adapter; the read loop reconnects with exponential backoff when the
// session drops.
type WSConnector struct {
	*BaseConnector
	settings Settings
	adapter  MessageAdapter

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	inFlight  map[string]*wsJob
	activity  func(jobID string, at time.Time)
	connected bool
}

// NewWS builds a WebSocket connector around a message adapter.
func NewWS(settings Settings, adapter MessageAdapter, rdb *redis.Client) (*WSConnector, error) {
	if adapter == nil {
		return nil, fmt.Errorf("op=connector.NewWS: adapter is required: %w", domain.ErrInvalidArgument)
	}
	if settings.WSURL == "" {
		return nil, fmt.Errorf("op=connector.NewWS service=%s: ws_url is required: %w",
			settings.Service, domain.ErrInvalidArgument)
	}
	settings = settings.withDefaults()
	id := settings.ID
	if id == "" {
		id = settings.Service + "-ws"
	}
	return &WSConnector{
		BaseConnector: NewBaseConnector(id, settings.Service, rdb, settings.MaxConcurrent),
		settings:      settings,
		adapter:       adapter,
		inFlight:      make(map[string]*wsJob),
	}, nil
}

// SetActivityCallback registers the worker's liveness observer. Every
// job-correlated inbound frame counts as activity.
func (c *WSConnector) SetActivityCallback(fn func(jobID string, at time.Time)) {
	c.mu.Lock()
	c.activity = fn
	c.mu.Unlock()
}

// Initialize dials the backend and starts the session loops.
func (c *WSConnector) Initialize(ctx context.Context) error {
	c.SetState(ctx, domain.ConnectorConnecting, nil)
	if err := c.dial(ctx); err != nil {
		c.SetState(ctx, domain.ConnectorWaitingForService, err)
		return fmt.Errorf("op=connector.Initialize connector=%s: %w", c.ID(), err)
	}
	c.SetState(ctx, domain.ConnectorIdle, nil)
	return nil
}

func (c *WSConnector) dial(ctx context.Context) error {
	u, err := url.Parse(c.settings.WSURL)
	if err != nil {
		return fmt.Errorf("invalid ws url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	header := make(map[string][]string)
	switch c.settings.Auth.Scheme {
	case AuthBearer, AuthOAuth:
		header["Authorization"] = []string{"Bearer " + c.settings.Auth.Token}
	case AuthAPIKey:
		name := c.settings.Auth.Header
		if name == "" {
			name = "X-API-Key"
		}
		header[name] = []string{c.settings.Auth.APIKey}
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Host, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)
	return nil
}

// readLoop consumes frames until the connection drops, then fails in-flight
// jobs and schedules a reconnect.
func (c *WSConnector) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			c.onDisconnect(err)
			return
		}
		c.handleFrame(raw)
	}
}

func (c *WSConnector) handleFrame(raw []byte) {
	jobID := c.adapter.ExtractJobID(raw)
	if jobID != "" {
		c.mu.Lock()
		fn := c.activity
		c.mu.Unlock()
		if fn != nil {
			fn(jobID, time.Now())
		}
	}

	c.mu.Lock()
	entry := c.inFlight[jobID]
	c.mu.Unlock()

	switch c.adapter.ClassifyMessage(raw) {
	case MessagePing:
		if pong := c.adapter.BuildPongMessage(raw); pong != nil {
			_ = c.write(pong)
		}
	case MessageProgress:
		if entry == nil {
			return
		}
		pct, msg := c.adapter.ExtractProgress(raw)
		entry.progress(clampProgress(pct), msg)
	case MessageResult:
		if entry == nil {
			return
		}
		result, err := c.adapter.ParseJobResult(raw, entry.job)
		c.deliver(entry, wsOutcome{result: result, err: err})
	case MessageError:
		if entry == nil {
			return
		}
		text := c.adapter.ExtractError(raw)
		var err error
		if desc, refused := DetectRefusal(text); refused {
			err = &RefusalError{Service: c.ServiceType(), Description: desc}
		} else {
			err = &BackendError{Service: c.ServiceType(), Body: text,
				Err: fmt.Errorf("backend reported job failure: %s", text)}
		}
		c.deliver(entry, wsOutcome{err: err})
	}
}

func (c *WSConnector) deliver(entry *wsJob, out wsOutcome) {
	if entry == nil {
		return
	}
	select {
	case entry.outcome <- out:
	default:
	}
}

// onDisconnect fails every in-flight job with a retryable connection error
// and reconnects with backoff until Cleanup or success.
func (c *WSConnector) onDisconnect(cause error) {
	c.mu.Lock()
	c.connected = false
	pending := c.inFlight
	c.inFlight = make(map[string]*wsJob)
	done := c.done
	c.mu.Unlock()

	slog.Warn("websocket session lost",
		slog.String("connector_id", c.ID()), slog.Any("error", cause))
	err := &BackendError{Service: c.ServiceType(), Err: fmt.Errorf("connection lost: %w", cause)}
	for _, entry := range pending {
		c.deliver(entry, wsOutcome{err: err})
	}

	ctx := context.Background()
	c.SetState(ctx, domain.ConnectorConnecting, cause)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	for {
		select {
		case <-done:
			return
		case <-time.After(bo.NextBackOff()):
		}
		if err := c.dial(ctx); err != nil {
			slog.Warn("websocket reconnect failed",
				slog.String("connector_id", c.ID()), slog.Any("error", err))
			continue
		}
		c.SetState(ctx, domain.ConnectorIdle, nil)
		slog.Info("websocket session restored", slog.String("connector_id", c.ID()))
		return
	}
}

func (c *WSConnector) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *WSConnector) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return fmt.Errorf("op=connector.write connector=%s: not connected", c.ID())
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Cleanup closes the session and marks the connector offline.
func (c *WSConnector) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.done = nil
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
		_ = conn.Close()
	}
	c.SetState(ctx, domain.ConnectorOffline, nil)
	return nil
}

// CheckHealth reports whether the session is currently established.
func (c *WSConnector) CheckHealth(_ context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// GetAvailableModels returns the statically configured model list; WS
// dialects have no standard model listing.
func (c *WSConnector) GetAvailableModels(_ context.Context) []string {
	return c.settings.Models
}

// ProcessJob sends the job frame and waits for the correlated result frame.
func (c *WSConnector) ProcessJob(ctx context.Context, job domain.Job, progress ProgressFunc) (domain.JobResult, error) {
	if err := c.TryAcquire(); err != nil {
		return domain.JobResult{}, err
	}
	defer c.Release()
	c.SetState(ctx, domain.ConnectorActive, nil)
	defer c.SetState(ctx, domain.ConnectorIdle, nil)

	frame, err := c.adapter.BuildJobMessage(job)
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("op=connector.ProcessJob job=%s: build message: %w", job.ID, err)
	}

	entry := &wsJob{job: job, outcome: make(chan wsOutcome, 1), progress: progress}
	c.mu.Lock()
	c.inFlight[job.ID] = entry
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, job.ID)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "failed").Inc()
		return domain.JobResult{}, &BackendError{Service: c.ServiceType(), Err: err}
	}
	progress(5, "submitted to backend")

	select {
	case <-ctx.Done():
		return domain.JobResult{}, fmt.Errorf("op=connector.ProcessJob job=%s: %w", job.ID, ctx.Err())
	case out := <-entry.outcome:
		if out.err != nil {
			observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "failed").Inc()
			return domain.JobResult{}, out.err
		}
		progress(100, "completed")
		observability.ConnectorJobsTotal.WithLabelValues(c.ServiceType(), "completed").Inc()
		return out.result, nil
	}
}

// CancelJob sends the dialect's cancel frame when one exists.
func (c *WSConnector) CancelJob(_ context.Context, jobID string) error {
	frame := c.adapter.BuildCancelMessage(jobID)
	if frame == nil {
		return nil
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("op=connector.CancelJob job=%s: %w", jobID, err)
	}
	return nil
}
