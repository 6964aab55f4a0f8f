package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
)

// Event is one job lifecycle event offered to subscriptions.
type Event struct {
	Type       string         `json:"event_type"`
	CustomerID string         `json:"-"`
	JobType    string         `json:"-"`
	Data       map[string]any `json:"data"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// payload is the canonical webhook body.
type payload struct {
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id"`
	Timestamp int64          `json:"timestamp"`
	WebhookID string         `json:"webhook_id"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Options tunes delivery behavior.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	return o
}

// Dispatcher fans events out to matching subscriptions.
type Dispatcher struct {
	store *Store
	http  *http.Client
	opts  Options
}

// NewDispatcher creates a dispatcher over the subscription store.
func NewDispatcher(store *Store, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		store: store,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		opts: opts,
	}
}

// Dispatch delivers the event to every matching subscription. Deliveries
// run concurrently; each gets its own retry budget. Dispatch returns once
// all deliveries have been attempted or ctx ends.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	subs, err := d.store.List(ctx)
	if err != nil {
		slog.Error("webhook subscription listing failed", slog.Any("error", err))
		return
	}
	done := make(chan struct{}, len(subs))
	dispatched := 0
	for _, sub := range subs {
		if !sub.Matches(ev.Type, ev.CustomerID, ev.JobType) {
			continue
		}
		dispatched++
		go func(sub Subscription) {
			defer func() { done <- struct{}{} }()
			d.deliver(ctx, sub, ev)
		}(sub)
	}
	for range dispatched {
		select {
		case <-ctx.Done():
			return
		case <-done:
		}
	}
}

// deliver posts the event to one endpoint, retrying transient failures
// with exponential backoff and honoring Retry-After on 429.
func (d *Dispatcher) deliver(ctx context.Context, sub Subscription, ev Event) {
	eventID := ulid.Make().String()
	body, err := json.Marshal(payload{
		EventType: ev.Type,
		EventID:   eventID,
		Timestamp: time.Now().UnixMilli(),
		WebhookID: sub.ID,
		Data:      ev.Data,
		Metadata:  ev.Metadata,
	})
	if err != nil {
		slog.Error("webhook payload marshal failed",
			slog.String("webhook_id", sub.ID), slog.Any("error", err))
		return
	}

	attempts := 0
	var lastStatus int
	var lastErr error

	operation := func() error {
		attempts++
		status, err := d.post(ctx, sub, ev.Type, eventID, body)
		lastStatus, lastErr = status, err
		if err == nil {
			return nil
		}
		// 4xx other than 429 will not improve on retry.
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.opts.Backoff
	bo.MaxInterval = d.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	err = backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.opts.MaxRetries-1)), ctx))

	record := Delivery{
		EventID:    eventID,
		EventType:  ev.Type,
		StatusCode: lastStatus,
		Attempts:   attempts,
		Success:    err == nil,
		At:         time.Now().UTC(),
	}
	if lastErr != nil && err != nil {
		record.Error = lastErr.Error()
	}
	if recErr := d.store.RecordDelivery(ctx, sub.ID, record); recErr != nil {
		slog.Warn("webhook delivery record failed",
			slog.String("webhook_id", sub.ID), slog.Any("error", recErr))
	}
	if err != nil {
		observability.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		slog.Warn("webhook delivery failed",
			slog.String("webhook_id", sub.ID),
			slog.String("event_type", ev.Type),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
		return
	}
	observability.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	slog.Debug("webhook delivered",
		slog.String("webhook_id", sub.ID),
		slog.String("event_type", ev.Type),
		slog.Int("attempts", attempts))
}

// post performs one signed delivery attempt. Any status >= 400, connection
// error, or timeout counts as failure.
func (d *Dispatcher) post(ctx context.Context, sub Subscription, eventType, eventID string, body []byte) (int, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("op=webhook.post webhook=%s: %w", sub.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-ID", sub.ID)
	req.Header.Set("X-Event-ID", eventID)
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(sub.Secret, body))
	}

	resp, err := d.http.Do(req)
	observability.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=webhook.post webhook=%s: %w", sub.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("op=webhook.post webhook=%s: endpoint returned %d", sub.ID, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := retryAfter(resp.Header); ra > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(ra):
				}
			}
		}
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 of body under the shared secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header value (without the
// "sha256=" prefix) against the body. Receivers use it; exported so tests
// and client examples share one implementation.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
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
		if until := time.Until(t); until > 0 {
			return until
		}
	}
	return 0
}
