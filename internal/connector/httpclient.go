package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
)

const maxResponseBytes = 10 << 20 // 10 MiB cap on backend bodies

// backendClient wraps an http.Client with auth injection, retry with
// backoff, Retry-After handling, and a per-service circuit breaker. All
// REST connectors share it.
type backendClient struct {
	service string
	http    *http.Client
	auth    AuthSettings
	retry   RetrySettings
	breaker *observability.CircuitBreaker
}

func newBackendClient(service string, s Settings) *backendClient {
	return &backendClient{
		service: service,
		http: &http.Client{
			Timeout:   s.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		auth:    s.Auth,
		retry:   s.Retry.withDefaults(),
		breaker: observability.GetCircuitBreaker("connector:"+service, 5, 30*time.Second),
	}
}

func (c *backendClient) applyAuth(req *http.Request) {
	switch c.auth.Scheme {
	case AuthAPIKey:
		header := c.auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, c.auth.APIKey)
	case AuthBearer, AuthOAuth:
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	case AuthBasic:
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	}
}

// Do performs one request and returns status plus the full body. Non-2xx is
// reported through *BackendError so the classifier sees the status code.
// The per-service breaker sees transport errors and 5xx responses; when it
// opens, calls fail fast until the backend recovers.
func (c *backendClient) Do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var (
		status int
		data   []byte
		reqErr error
	)
	cbErr := c.breaker.Call(func() error {
		status, data, reqErr = c.doOnce(ctx, method, url, body)
		if reqErr != nil && transient(reqErr) {
			return reqErr
		}
		return nil
	})
	if cbErr != nil && reqErr == nil {
		// Breaker open: the request never ran.
		return 0, nil, &BackendError{Service: c.service,
			Err: fmt.Errorf("service unavailable: %w", cbErr)}
	}
	return status, data, reqErr
}

func (c *backendClient) doOnce(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("op=connector.Do service=%s: %w", c.service, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.applyAuth(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.BackendRequestDuration.WithLabelValues(c.service).Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, nil, &BackendError{Service: c.service, Timeout: isTimeout(err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, &BackendError{Service: c.service, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 400 {
		be := &BackendError{Service: c.service, Status: resp.StatusCode, Body: string(data)}
		if ra := retryAfter(resp.Header); ra > 0 {
			return resp.StatusCode, data, &rateLimitedError{BackendError: be, after: ra}
		}
		return resp.StatusCode, data, be
	}
	return resp.StatusCode, data, nil
}

// DoWithRetry retries transient failures (connection errors, timeouts, 429,
// 5xx) with exponential backoff. A Retry-After header on 429 overrides the
// computed delay. Non-transient statuses return immediately.
func (c *backendClient) DoWithRetry(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var (
		status int
		data   []byte
	)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialDelay
	bo.MaxInterval = c.retry.MaxDelay
	bo.Multiplier = c.retry.Multiplier
	bo.MaxElapsedTime = 0

	operation := func() error {
		var err error
		status, data, err = c.Do(ctx, method, url, body)
		if err == nil {
			return nil
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		// Honor Retry-After before handing control back to the backoff loop.
		var rl *rateLimitedError
		if errors.As(err, &rl) && rl.after > 0 {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(rl.after):
			}
		}
		return err
	}
	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.retry.MaxAttempts-1)), ctx))
	return status, data, err
}

type rateLimitedError struct {
	*BackendError
	after time.Duration
}

func (e *rateLimitedError) Unwrap() error { return e.BackendError }

func transient(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		if be.Timeout {
			return true
		}
		if be.Status == http.StatusTooManyRequests || be.Status >= 500 {
			return true
		}
		if be.Status == 0 && be.Err != nil {
			return true
		}
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "Client.Timeout exceeded")
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
