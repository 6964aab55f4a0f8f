// Retry accounting entities shared by the broker and the worker runtime.
package domain

import (
	"encoding/json"
	"time"
)

// RetryConfig defines job-level retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts per job.
	MaxRetries int
	// InitialDelay is the initial delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter adds randomness to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// NextDelay calculates the backoff delay for the given attempt (0-based).
func (c RetryConfig) NextDelay(attempt int) time.Duration {
	delay := c.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay >= c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter {
		delay += time.Duration(float64(delay) * 0.1)
	}
	return delay
}

// ExtractRetryAttempt resolves the effective retry attempt for a job.
// Multiple upstream conventions coexist, so resolution follows a strict
// precedence chain:
//
//	ctx.workflow_context.retry_attempt
//	payload.ctx.retry_count
//	payload.ctx.retryCount
//	job.RetryCount
//
// A present-but-zero workflow_context.retry_attempt wins over later sources.
// Malformed ctx or payload JSON falls through without aborting.
func ExtractRetryAttempt(j Job) int {
	if wc, ok := j.Ctx["workflow_context"].(map[string]any); ok {
		if n, ok := asInt(wc["retry_attempt"]); ok {
			return n
		}
	}
	if len(j.Payload) > 0 {
		var envelope struct {
			Ctx map[string]any `json:"ctx"`
		}
		if err := json.Unmarshal(j.Payload, &envelope); err == nil && envelope.Ctx != nil {
			if n, ok := asInt(envelope.Ctx["retry_count"]); ok {
				return n
			}
			if n, ok := asInt(envelope.Ctx["retryCount"]); ok {
				return n
			}
		}
	}
	if j.RetryCount > 0 {
		return j.RetryCount
	}
	return 0
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}
