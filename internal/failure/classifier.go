// Package failure maps raw backend errors onto the two-tier failure
// taxonomy used by attestations, the broker's retry decisions, and metrics
// labels. Classification is a pure function of the message and context.
package failure

import (
	"fmt"
	"regexp"
	"strings"
)

// Type is the coarse failure category.
type Type string

const (
	TypeGenerationRefusal Type = "generation_refusal"
	TypeAuthError         Type = "auth_error"
	TypeRateLimit         Type = "rate_limit"
	TypeNetworkError      Type = "network_error"
	TypeServiceError      Type = "service_error"
	TypeTimeout           Type = "timeout"
	TypeValidationError   Type = "validation_error"
	TypeResourceLimit     Type = "resource_limit"
	TypeResponseError     Type = "response_error"
	TypeSystemError       Type = "system_error"
)

// Reason is the fine-grained failure cause within a Type.
type Reason string

const (
	// generation_refusal
	ReasonSafetyFilter     Reason = "safety_filter"
	ReasonViolenceDetected Reason = "violence_detected"
	ReasonCopyrightBlocker Reason = "copyright_blocker"
	ReasonNSFWContent      Reason = "nsfw_content"
	ReasonHateSpeech       Reason = "hate_speech"
	ReasonPersonalInfo     Reason = "personal_info"
	ReasonPolicyViolation  Reason = "policy_violation"

	// auth_error
	ReasonInvalidAPIKey           Reason = "invalid_api_key"
	ReasonExpiredToken            Reason = "expired_token"
	ReasonInsufficientPermissions Reason = "insufficient_permissions"
	ReasonAccountSuspended        Reason = "account_suspended"

	// rate_limit
	ReasonRequestsPerMinute  Reason = "requests_per_minute"
	ReasonTokensPerMinute    Reason = "tokens_per_minute"
	ReasonDailyQuotaExceeded Reason = "daily_quota_exceeded"
	ReasonConcurrentRequests Reason = "concurrent_requests"

	// network_error
	ReasonConnectionFailed Reason = "connection_failed"
	ReasonDNSResolution    Reason = "dns_resolution"
	ReasonSSLCertificate   Reason = "ssl_certificate"
	ReasonProxyError       Reason = "proxy_error"
	ReasonNetworkTimeout   Reason = "network_timeout"

	// service_error
	ReasonServiceDown         Reason = "service_down"
	ReasonServiceUnavailable  Reason = "service_unavailable"
	ReasonMaintenanceMode     Reason = "maintenance_mode"
	ReasonDegradedPerformance Reason = "degraded_performance"

	// timeout
	ReasonJobTimeout        Reason = "job_timeout"
	ReasonProcessingTimeout Reason = "processing_timeout"
	ReasonQueueTimeout      Reason = "queue_timeout"

	// validation_error
	ReasonInvalidPayload       Reason = "invalid_payload"
	ReasonMissingRequiredField Reason = "missing_required_field"
	ReasonInvalidFormat        Reason = "invalid_format"
	ReasonUnsupportedOperation Reason = "unsupported_operation"
	ReasonModelNotFound        Reason = "model_not_found"
	ReasonComponentError       Reason = "component_error"

	// resource_limit
	ReasonOutOfMemory     Reason = "out_of_memory"
	ReasonDiskSpaceFull   Reason = "disk_space_full"
	ReasonGPUMemoryFull   Reason = "gpu_memory_full"
	ReasonConcurrentLimit Reason = "concurrent_limit"

	// response_error
	ReasonInvalidResponseFormat  Reason = "invalid_response_format"
	ReasonUnexpectedContentType  Reason = "unexpected_content_type"
	ReasonCorruptedData          Reason = "corrupted_data"
	ReasonMissingExpectedData    Reason = "missing_expected_data"

	// system_error
	ReasonInternalError   Reason = "internal_error"
	ReasonConfigError     Reason = "config_error"
	ReasonDependencyError Reason = "dependency_error"
	ReasonGPUError        Reason = "gpu_error"
	ReasonWorkerLost      Reason = "worker_lost"
	ReasonUnknownError    Reason = "unknown_error"
)

// Classification is the classifier output attached to attestations.
type Classification struct {
	Type        Type   `json:"failure_type"`
	Reason      Reason `json:"failure_reason"`
	Description string `json:"failure_description"`
}

// Context carries everything the classifier may consult besides the message.
type Context struct {
	ServiceType string
	HTTPStatus  int
	Timeout     bool
	RawResponse string
}

// refusalPatterns identify content-policy refusals hidden inside HTTP-200
// provider responses.
var refusalPatterns = []string{
	"cannot generate",
	"unable to create",
	"policy violation",
	"content policy",
	"inappropriate",
	"not allowed",
	"refused",
	"declined",
	"moderation_blocked",
	"moderation blocked",
	"safety system",
	"safety filter",
	"rejected by the safety",
	"against our guidelines",
}

// Classify maps an error message plus context onto a (type, reason) pair.
// HTTP status is consulted first; when decisive, the reason is refined by
// message patterns. Otherwise message-pattern rules apply in a fixed order.
// The function is pure and case-insensitive.
func Classify(message string, ctx Context) Classification {
	msg := strings.ToLower(strings.TrimSpace(message))
	raw := strings.ToLower(ctx.RawResponse)
	haystack := msg
	if raw != "" {
		haystack = msg + " " + raw
	}

	// Refusals are checked before status codes: providers report them with
	// HTTP 200 and the signal lives entirely in the body.
	if r, ok := matchRefusal(haystack); ok {
		return Classification{Type: TypeGenerationRefusal, Reason: r, Description: trimDescription(message, ctx)}
	}

	if c, ok := classifyByStatus(ctx.HTTPStatus, haystack, message); ok {
		return c
	}

	if ctx.Timeout {
		return Classification{Type: TypeTimeout, Reason: timeoutReason(haystack), Description: message}
	}

	rules := []func(string) (Classification, bool){
		classifyAuth,
		classifyRateLimit,
		classifyNetwork,
		classifyResource,
		classifyService,
		classifyTimeout,
		classifyValidation,
		classifyResponse,
		classifySystem,
	}
	for _, rule := range rules {
		if c, ok := rule(haystack); ok {
			c.Description = message
			return c
		}
	}

	return Classification{
		Type:        TypeSystemError,
		Reason:      ReasonUnknownError,
		Description: fmt.Sprintf("unclassified error from %s: %s", orUnknown(ctx.ServiceType), message),
	}
}

// Retryable reports whether a failure type should be retried at the job
// level. Auth, validation, refusal, resource, and response failures will not
// improve on retry; network, rate-limit, timeout, and service failures may.
func Retryable(t Type) bool {
	switch t {
	case TypeNetworkError, TypeRateLimit, TypeTimeout, TypeServiceError:
		return true
	}
	return false
}

func classifyByStatus(status int, haystack, original string) (Classification, bool) {
	switch {
	case status == 401 || status == 403:
		c, _ := classifyAuth(haystack)
		if c.Type == "" {
			c = Classification{Type: TypeAuthError, Reason: ReasonInvalidAPIKey}
		}
		c.Description = original
		return c, true
	case status == 429:
		c, _ := classifyRateLimit(haystack)
		if c.Type == "" {
			c = Classification{Type: TypeRateLimit, Reason: ReasonRequestsPerMinute}
		}
		c.Description = original
		return c, true
	case status == 404 && strings.Contains(haystack, "model"):
		return Classification{Type: TypeValidationError, Reason: ReasonModelNotFound, Description: original}, true
	case status == 400 || status == 422:
		c, _ := classifyValidation(haystack)
		if c.Type == "" {
			c = Classification{Type: TypeValidationError, Reason: ReasonInvalidPayload}
		}
		c.Description = original
		return c, true
	case status == 503:
		return Classification{Type: TypeServiceError, Reason: ReasonServiceUnavailable, Description: original}, true
	case status >= 500:
		c, _ := classifyService(haystack)
		if c.Type == "" {
			c = Classification{Type: TypeServiceError, Reason: ReasonServiceDown}
		}
		c.Description = original
		return c, true
	}
	return Classification{}, false
}

func matchRefusal(haystack string) (Reason, bool) {
	matched := false
	for _, p := range refusalPatterns {
		if strings.Contains(haystack, p) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}
	switch {
	case strings.Contains(haystack, "violence") || strings.Contains(haystack, "violent"):
		return ReasonViolenceDetected, true
	case strings.Contains(haystack, "copyright") || strings.Contains(haystack, "trademark"):
		return ReasonCopyrightBlocker, true
	case strings.Contains(haystack, "nsfw") || strings.Contains(haystack, "nudity") || strings.Contains(haystack, "sexual"):
		return ReasonNSFWContent, true
	case strings.Contains(haystack, "hate"):
		return ReasonHateSpeech, true
	case strings.Contains(haystack, "personal information") || strings.Contains(haystack, "pii"):
		return ReasonPersonalInfo, true
	case strings.Contains(haystack, "policy") || strings.Contains(haystack, "guidelines"):
		return ReasonPolicyViolation, true
	default:
		return ReasonSafetyFilter, true
	}
}

func classifyAuth(s string) (Classification, bool) {
	switch {
	case strings.Contains(s, "api key") || strings.Contains(s, "api_key") || strings.Contains(s, "invalid key") || strings.Contains(s, "unauthorized"):
		return Classification{Type: TypeAuthError, Reason: ReasonInvalidAPIKey}, true
	case strings.Contains(s, "expired") && strings.Contains(s, "token"):
		return Classification{Type: TypeAuthError, Reason: ReasonExpiredToken}, true
	case strings.Contains(s, "permission") || strings.Contains(s, "forbidden"):
		return Classification{Type: TypeAuthError, Reason: ReasonInsufficientPermissions}, true
	case strings.Contains(s, "suspended") || strings.Contains(s, "account disabled") || strings.Contains(s, "deactivated"):
		return Classification{Type: TypeAuthError, Reason: ReasonAccountSuspended}, true
	}
	return Classification{}, false
}

func classifyRateLimit(s string) (Classification, bool) {
	switch {
	case strings.Contains(s, "tokens per minute") || strings.Contains(s, "tpm"):
		return Classification{Type: TypeRateLimit, Reason: ReasonTokensPerMinute}, true
	case strings.Contains(s, "daily quota") || strings.Contains(s, "quota exceeded"):
		return Classification{Type: TypeRateLimit, Reason: ReasonDailyQuotaExceeded}, true
	case strings.Contains(s, "concurrent request") || strings.Contains(s, "too many concurrent"):
		return Classification{Type: TypeRateLimit, Reason: ReasonConcurrentRequests}, true
	case strings.Contains(s, "rate limit") || strings.Contains(s, "too many requests") || strings.Contains(s, "requests per minute") || strings.Contains(s, "rpm"):
		return Classification{Type: TypeRateLimit, Reason: ReasonRequestsPerMinute}, true
	}
	return Classification{}, false
}

func classifyNetwork(s string) (Classification, bool) {
	switch {
	case strings.Contains(s, "no such host") || strings.Contains(s, "dns"):
		return Classification{Type: TypeNetworkError, Reason: ReasonDNSResolution}, true
	case strings.Contains(s, "certificate") || strings.Contains(s, "tls") || strings.Contains(s, "ssl"):
		return Classification{Type: TypeNetworkError, Reason: ReasonSSLCertificate}, true
	case strings.Contains(s, "proxy"):
		return Classification{Type: TypeNetworkError, Reason: ReasonProxyError}, true
	case strings.Contains(s, "connection refused") || strings.Contains(s, "connection reset") || strings.Contains(s, "broken pipe") || strings.Contains(s, "eof"):
		return Classification{Type: TypeNetworkError, Reason: ReasonConnectionFailed}, true
	case strings.Contains(s, "network") && strings.Contains(s, "timeout"):
		return Classification{Type: TypeNetworkError, Reason: ReasonNetworkTimeout}, true
	}
	return Classification{}, false
}

func classifyResource(s string) (Classification, bool) {
	switch {
	case strings.Contains(s, "out of memory") || strings.Contains(s, "oom"):
		if strings.Contains(s, "cuda") || strings.Contains(s, "gpu") || strings.Contains(s, "vram") {
			return Classification{Type: TypeResourceLimit, Reason: ReasonGPUMemoryFull}, true
		}
		return Classification{Type: TypeResourceLimit, Reason: ReasonOutOfMemory}, true
	case strings.Contains(s, "disk") && (strings.Contains(s, "full") || strings.Contains(s, "space")):
		return Classification{Type: TypeResourceLimit, Reason: ReasonDiskSpaceFull}, true
	case strings.Contains(s, "concurrent limit") || strings.Contains(s, "max concurrency"):
		return Classification{Type: TypeResourceLimit, Reason: ReasonConcurrentLimit}, true
	}
	return Classification{}, false
}

func classifyService(s string) (Classification, bool) {
	switch {
	case strings.Contains(s, "maintenance"):
		return Classification{Type: TypeServiceError, Reason: ReasonMaintenanceMode}, true
	case strings.Contains(s, "service unavailable") || strings.Contains(s, "unavailable"):
		return Classification{Type: TypeServiceError, Reason: ReasonServiceUnavailable}, true
	case strings.Contains(s, "service down") || strings.Contains(s, "bad gateway") || strings.Contains(s, "internal server error"):
		return Classification{Type: TypeServiceError, Reason: ReasonServiceDown}, true
	case strings.Contains(s, "degraded"):
		return Classification{Type: TypeServiceError, Reason: ReasonDegradedPerformance}, true
	}
	return Classification{}, false
}

func classifyTimeout(s string) (Classification, bool) {
	switch {
	case strings.Contains(s, "job timeout") || strings.Contains(s, "job timed out"):
		return Classification{Type: TypeTimeout, Reason: ReasonJobTimeout}, true
	case strings.Contains(s, "queue timeout"):
		return Classification{Type: TypeTimeout, Reason: ReasonQueueTimeout}, true
	case strings.Contains(s, "deadline exceeded") || strings.Contains(s, "timed out") || strings.Contains(s, "timeout"):
		return Classification{Type: TypeTimeout, Reason: ReasonProcessingTimeout}, true
	}
	return Classification{}, false
}

func classifyValidation(s string) (Classification, bool) {
	switch {
	case strings.Contains(s, "model not found") || strings.Contains(s, "unknown model") || strings.Contains(s, "no such model"):
		return Classification{Type: TypeValidationError, Reason: ReasonModelNotFound}, true
	case strings.Contains(s, "missing") && strings.Contains(s, "field"):
		return Classification{Type: TypeValidationError, Reason: ReasonMissingRequiredField}, true
	case strings.Contains(s, "invalid format") || strings.Contains(s, "malformed"):
		return Classification{Type: TypeValidationError, Reason: ReasonInvalidFormat}, true
	case strings.Contains(s, "unsupported"):
		return Classification{Type: TypeValidationError, Reason: ReasonUnsupportedOperation}, true
	case strings.Contains(s, "component") && strings.Contains(s, "error"):
		return Classification{Type: TypeValidationError, Reason: ReasonComponentError}, true
	case strings.Contains(s, "invalid payload") || strings.Contains(s, "invalid request") || strings.Contains(s, "validation"):
		return Classification{Type: TypeValidationError, Reason: ReasonInvalidPayload}, true
	}
	return Classification{}, false
}

func classifyResponse(s string) (Classification, bool) {
	switch {
	case strings.Contains(s, "invalid json") || strings.Contains(s, "unexpected end of json") || strings.Contains(s, "invalid response"):
		return Classification{Type: TypeResponseError, Reason: ReasonInvalidResponseFormat}, true
	case strings.Contains(s, "content type") || strings.Contains(s, "content-type"):
		return Classification{Type: TypeResponseError, Reason: ReasonUnexpectedContentType}, true
	case strings.Contains(s, "corrupt"):
		return Classification{Type: TypeResponseError, Reason: ReasonCorruptedData}, true
	case strings.Contains(s, "missing") && (strings.Contains(s, "response") || strings.Contains(s, "result") || strings.Contains(s, "output")):
		return Classification{Type: TypeResponseError, Reason: ReasonMissingExpectedData}, true
	}
	return Classification{}, false
}

func classifySystem(s string) (Classification, bool) {
	switch {
	case strings.Contains(s, "worker lost") || strings.Contains(s, "worker crashed") || strings.Contains(s, "missed heartbeat"):
		return Classification{Type: TypeSystemError, Reason: ReasonWorkerLost}, true
	case strings.Contains(s, "config"):
		return Classification{Type: TypeSystemError, Reason: ReasonConfigError}, true
	case strings.Contains(s, "dependency"):
		return Classification{Type: TypeSystemError, Reason: ReasonDependencyError}, true
	case strings.Contains(s, "cuda") || strings.Contains(s, "gpu"):
		return Classification{Type: TypeSystemError, Reason: ReasonGPUError}, true
	case strings.Contains(s, "internal error") || strings.Contains(s, "panic"):
		return Classification{Type: TypeSystemError, Reason: ReasonInternalError}, true
	}
	return Classification{}, false
}

func timeoutReason(s string) Reason {
	if c, ok := classifyTimeout(s); ok {
		return c.Reason
	}
	return ReasonProcessingTimeout
}

// defaultRequestIDPattern matches provider-issued request ids such as the
// wfr_… ids OpenAI attaches to moderation refusals.
var defaultRequestIDPattern = regexp.MustCompile(`\b(wfr|req|chatcmpl)_[A-Za-z0-9]+\b`)

// trimDescription builds a refusal description that echoes the trimmed
// offending text and, when present, the provider request id.
func trimDescription(message string, ctx Context) string {
	desc := strings.TrimSpace(message)
	if len(desc) > 500 {
		desc = desc[:500]
	}
	source := message
	if ctx.RawResponse != "" {
		source = source + " " + ctx.RawResponse
	}
	if id := defaultRequestIDPattern.FindString(source); id != "" && !strings.Contains(desc, id) {
		desc = desc + " (request id: " + id + ")"
	}
	return desc
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown service"
	}
	return s
}
