package failure

import (
	"testing"
)

func TestClassifyMatrix(t *testing.T) {
	tests := []struct {
		name       string
		message    string
		ctx        Context
		wantType   Type
		wantReason Reason
	}{
		{
			name:       "refusal beats 200 status",
			message:    "I cannot generate this content as it violates our content policy",
			ctx:        Context{ServiceType: "openai", HTTPStatus: 200},
			wantType:   TypeGenerationRefusal,
			wantReason: ReasonPolicyViolation,
		},
		{
			name:       "refusal in raw response body",
			message:    "generation finished with warnings",
			ctx:        Context{RawResponse: `{"error":"content was flagged by the safety filter"}`},
			wantType:   TypeGenerationRefusal,
			wantReason: ReasonSafetyFilter,
		},
		{
			name:       "refusal beats 500 status",
			message:    "request refused: nsfw content policy violation",
			ctx:        Context{HTTPStatus: 500},
			wantType:   TypeGenerationRefusal,
			wantReason: ReasonNSFWContent,
		},
		{
			name:       "violence refusal reason",
			message:    "cannot generate violent imagery, content policy",
			wantType:   TypeGenerationRefusal,
			wantReason: ReasonViolenceDetected,
		},
		{
			name:       "401 auth",
			message:    "request failed",
			ctx:        Context{HTTPStatus: 401},
			wantType:   TypeAuthError,
			wantReason: ReasonInvalidAPIKey,
		},
		{
			name:       "403 with permission text",
			message:    "permission denied for this resource",
			ctx:        Context{HTTPStatus: 403},
			wantType:   TypeAuthError,
			wantReason: ReasonInsufficientPermissions,
		},
		{
			name:       "429 generic",
			message:    "slow down",
			ctx:        Context{HTTPStatus: 429},
			wantType:   TypeRateLimit,
			wantReason: ReasonRequestsPerMinute,
		},
		{
			name:       "429 daily quota",
			message:    "daily quota exceeded for this key",
			ctx:        Context{HTTPStatus: 429},
			wantType:   TypeRateLimit,
			wantReason: ReasonDailyQuotaExceeded,
		},
		{
			name:       "400 invalid payload",
			message:    "bad request",
			ctx:        Context{HTTPStatus: 400},
			wantType:   TypeValidationError,
			wantReason: ReasonInvalidPayload,
		},
		{
			name:       "404 model",
			message:    "model flux-ultra not available",
			ctx:        Context{HTTPStatus: 404},
			wantType:   TypeValidationError,
			wantReason: ReasonModelNotFound,
		},
		{
			name:       "503 service unavailable",
			message:    "upstream gone",
			ctx:        Context{HTTPStatus: 503},
			wantType:   TypeServiceError,
			wantReason: ReasonServiceUnavailable,
		},
		{
			name:       "500 generic",
			message:    "boom",
			ctx:        Context{HTTPStatus: 500},
			wantType:   TypeServiceError,
			wantReason: ReasonServiceDown,
		},
		{
			name:       "timeout flag without status",
			message:    "context deadline exceeded",
			ctx:        Context{Timeout: true},
			wantType:   TypeTimeout,
			wantReason: ReasonProcessingTimeout,
		},
		{
			name:       "connection refused",
			message:    "dial tcp 10.0.0.1:8188: connection refused",
			wantType:   TypeNetworkError,
			wantReason: ReasonConnectionFailed,
		},
		{
			name:       "dns failure",
			message:    "lookup backend.internal: no such host",
			wantType:   TypeNetworkError,
			wantReason: ReasonDNSResolution,
		},
		{
			name:       "cuda oom",
			message:    "CUDA out of memory. Tried to allocate 2.0 GiB",
			wantType:   TypeResourceLimit,
			wantReason: ReasonGPUMemoryFull,
		},
		{
			name:       "service unavailable text",
			message:    "service unavailable: circuit breaker connector:comfyui is open",
			wantType:   TypeServiceError,
			wantReason: ReasonServiceUnavailable,
		},
		{
			name:       "job timeout text",
			message:    "job timed out after 30m",
			wantType:   TypeTimeout,
			wantReason: ReasonJobTimeout,
		},
		{
			name:       "unknown falls through to system error",
			message:    "something nobody has seen before",
			ctx:        Context{ServiceType: "comfyui"},
			wantType:   TypeSystemError,
			wantReason: ReasonUnknownError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.message, tt.ctx)
			if got.Type != tt.wantType {
				t.Errorf("type = %s, want %s", got.Type, tt.wantType)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("reason = %s, want %s", got.Reason, tt.wantReason)
			}
			if got.Description == "" {
				t.Error("description must not be empty")
			}
		})
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	lower := Classify("rate limit exceeded", Context{})
	upper := Classify("RATE LIMIT EXCEEDED", Context{})
	if lower.Type != upper.Type || lower.Reason != upper.Reason {
		t.Errorf("case sensitivity: %v vs %v", lower, upper)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		t    Type
		want bool
	}{
		{TypeNetworkError, true},
		{TypeRateLimit, true},
		{TypeTimeout, true},
		{TypeServiceError, true},
		{TypeGenerationRefusal, false},
		{TypeAuthError, false},
		{TypeValidationError, false},
		{TypeResourceLimit, false},
		{TypeResponseError, false},
		{TypeSystemError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.t), func(t *testing.T) {
			if got := Retryable(tt.t); got != tt.want {
				t.Errorf("Retryable(%s) = %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}
