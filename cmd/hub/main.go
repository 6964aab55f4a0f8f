// Command hub starts the job hub HTTP server: submission API, SSE progress
// streams, the WebSocket session endpoint, webhook management, and the
// stale-worker sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/ai-job-hub/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-hub/internal/app"
	"github.com/fairyhunter13/ai-job-hub/internal/bridge"
	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/config"
	"github.com/fairyhunter13/ai-job-hub/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, broker, and webhook instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	rdb, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis ping failed", slog.Any("error", err))
		os.Exit(1)
	}

	b, err := broker.New(rdb, broker.Options{
		Retry:        cfg.GetRetryConfig(),
		RetryTTL:     cfg.AttestationRetryTTL,
		PermanentTTL: cfg.AttestationPermanentTTL,
	})
	if err != nil {
		slog.Error("broker init failed", slog.Any("error", err))
		os.Exit(1)
	}
	registry := broker.NewRegistry(rdb)

	// Recover jobs stuck on workers that stopped heartbeating.
	sweeper := broker.NewStaleWorkerSweeper(b, registry, cfg.HeartbeatInterval(), cfg.StaleWorkerMultiplier)
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go sweeper.Run(sweepCtx)

	eventBridge := bridge.New(rdb, bridge.Options{
		SubscriberBuffer: cfg.SubscriberBuffer,
		ReadBlock:        cfg.BridgeReadBlock,
		MaxBackoff:       cfg.BridgeMaxBackoff,
	})

	hooks := webhook.NewStore(rdb, cfg.WebhookHistorySize)
	dispatcher := webhook.NewDispatcher(hooks, webhook.Options{
		Timeout:    cfg.WebhookTimeout,
		MaxRetries: cfg.WebhookMaxRetries,
		Backoff:    cfg.WebhookBackoff,
		MaxBackoff: cfg.WebhookMaxBackoff,
	})
	watcher := webhook.NewWatcher(eventBridge, dispatcher)

	redisCheck := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	srv := httpserver.NewServer(cfg, b, registry, hooks, watcher, redisCheck)
	sse := bridge.NewSSEHandler(b, eventBridge)
	ws := bridge.NewWSHandler(b, eventBridge, registry)
	handler := app.BuildRouter(cfg, srv, sse, ws)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("hub starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

func newRedisClient(rawURL string) (*redis.Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("op=main.newRedisClient: HUB_REDIS_URL is required")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("op=main.newRedisClient: %w", err)
	}
	return redis.NewClient(opts), nil
}
