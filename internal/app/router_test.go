package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/ai-job-hub/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-job-hub/internal/bridge"
	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/config"
	"github.com/fairyhunter13/ai-job-hub/internal/webhook"
)

func TestParseOrigins(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty defaults to wildcard", "", []string{"*"}},
		{"explicit wildcard", "*", []string{"*"}},
		{"single origin", "https://app.example.com", []string{"https://app.example.com"}},
		{"list with spaces", "https://a.example.com, https://b.example.com", []string{"https://a.example.com", "https://b.example.com"}},
		{"stray commas", ",,", []string{"*"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseOrigins(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseOrigins(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildRouterServesCoreRoutes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	b, err := broker.New(rdb, broker.Options{RetryTTL: time.Minute, PermanentTTL: time.Hour})
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	reg := broker.NewRegistry(rdb)
	hooks := webhook.NewStore(rdb, 5)
	br := bridge.New(rdb, bridge.Options{ReadBlock: 50 * time.Millisecond})

	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 120}
	srv := httpserver.NewServer(cfg, b, reg, hooks, nil, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	handler := BuildRouter(cfg, srv, bridge.NewSSEHandler(b, br), bridge.NewWSHandler(b, br, reg))

	for _, tt := range []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/v1/workers", http.StatusOK},
		{http.MethodGet, "/v1/stats", http.StatusOK},
		{http.MethodGet, "/v1/webhooks", http.StatusOK},
		{http.MethodGet, "/v1/jobs/unknown-id", http.StatusNotFound},
		{http.MethodGet, "/nope", http.StatusNotFound},
	} {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}

	// Security headers wrap every response.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("missing security headers: %v", rec.Header())
	}
}
