package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs submitted to the pending queue",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs that reached a permanent failure",
		},
		[]string{"type", "failure_type"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of job retry requeues",
		},
		[]string{"type", "failure_type"},
	)
	JobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Number of jobs currently held by this worker",
		},
	)
	ClaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_claim_duration_seconds",
			Help:    "Duration of atomic claim attempts",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		},
	)
	StaleJobsRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_stale_jobs_recovered_total",
			Help: "Jobs recovered from stale workers by the sweeper",
		},
	)

	ConnectorUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connector_up",
			Help: "Connector liveness (1 healthy, 0 unhealthy)",
		},
		[]string{"connector_id", "service"},
	)
	ConnectorJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_jobs_total",
			Help: "Jobs processed per connector and outcome",
		},
		[]string{"service", "outcome"},
	)
	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connector_backend_request_duration_seconds",
			Help:    "Backend request duration per connector service",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service"},
	)

	SSESubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_subscribers",
			Help: "Currently connected progress subscribers (SSE + WebSocket)",
		},
	)
	SlowConsumersDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_slow_consumers_dropped_total",
			Help: "Subscribers dropped because their queue overflowed",
		},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)
	WebhookDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Webhook delivery duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// InitMetrics registers all metric vectors with the default registry. Call
// once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsSubmittedTotal,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsRetriedTotal,
		JobsActive,
		ClaimDuration,
		StaleJobsRecoveredTotal,
		ConnectorUp,
		ConnectorJobsTotal,
		BackendRequestDuration,
		SSESubscribers,
		SlowConsumersDroppedTotal,
		WebhookDeliveriesTotal,
		WebhookDeliveryDuration,
		CircuitBreakerStateGauge,
	)
}

// RecordCircuitBreakerStatus exports the breaker state for dashboards.
func RecordCircuitBreakerStatus(name, _ string, state int) {
	CircuitBreakerStateGauge.WithLabelValues(name).Set(float64(state))
}

// HTTPMetricsMiddleware records request counts and latency per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
