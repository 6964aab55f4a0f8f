// Package app assembles the hub's HTTP surface: middleware chain, REST
// routes, the SSE progress stream, and the WebSocket session endpoint.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-job-hub/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-hub/internal/bridge"
	"github.com/fairyhunter13/ai-job-hub/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// The SSE and WebSocket endpoints sit outside the request timeout; they are
// long-lived by design.
func BuildRouter(cfg config.Config, srv *httpserver.Server, sse *bridge.SSEHandler, ws *bridge.WSHandler) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Bounded request/response endpoints
	r.Group(func(api chi.Router) {
		api.Use(httpserver.TimeoutMiddleware(30 * time.Second))

		// Rate limit mutating endpoints
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/v1/jobs", srv.SubmitJobHandler())
			wr.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
			wr.Post("/v1/webhooks", srv.CreateWebhookHandler())
			wr.Delete("/v1/webhooks/{id}", srv.DeleteWebhookHandler())
		})
		// Read-only endpoints
		api.Get("/v1/jobs/{id}", srv.GetJobHandler())
		api.Get("/v1/workers", srv.ListWorkersHandler())
		api.Get("/v1/stats", srv.QueueStatsHandler())
		api.Get("/v1/webhooks", srv.ListWebhooksHandler())
		api.Get("/v1/webhooks/{id}", srv.GetWebhookHandler())
		api.Get("/v1/webhooks/{id}/deliveries", srv.WebhookHistoryHandler())
	})

	// Streaming endpoints
	r.Get("/v1/jobs/{id}/progress", sse.ServeHTTP)
	r.Get("/v1/ws", ws.ServeHTTP)

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
