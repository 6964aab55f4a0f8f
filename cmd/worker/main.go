// Command worker runs one single-job worker process: it loads connectors,
// registers with the broker, and polls the pending queue until stopped.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-hub/internal/artifact"
	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/config"
	"github.com/fairyhunter13/ai-job-hub/internal/connector"
	"github.com/fairyhunter13/ai-job-hub/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return 2
	}

	// Setup logging
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated /metrics endpoint so Prometheus can scrape job metrics.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	// Enable tracing for worker-side spans (claims, backend requests) when
	// an OTLP endpoint is configured.
	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		return 1
	}
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis ping failed", slog.Any("error", err))
		return 1
	}

	b, err := broker.New(rdb, broker.Options{
		Retry:        cfg.GetRetryConfig(),
		RetryTTL:     cfg.AttestationRetryTTL,
		PermanentTTL: cfg.AttestationPermanentTTL,
	})
	if err != nil {
		slog.Error("broker init failed", slog.Any("error", err))
		return 2
	}
	registry := broker.NewRegistry(rdb)

	specs, err := config.ParseWorkers(cfg.Workers)
	if err != nil {
		slog.Error("WORKERS parse failed", slog.Any("error", err))
		return 2
	}
	settingsFile, err := connector.LoadFile(cfg.ConnectorsFile)
	if err != nil {
		slog.Error("connector settings load failed",
			slog.String("path", cfg.ConnectorsFile), slog.Any("error", err))
		return 2
	}

	manager := connector.NewManager(connector.NewRegistry(), rdb)
	if err := manager.Load(ctx, specs, settingsFile); err != nil {
		slog.Error("connector load failed", slog.Any("error", err))
		return 2
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		manager.Shutdown(shCtx)
	}()

	w, err := worker.New(cfg, b, registry, manager)
	if err != nil {
		slog.Error("worker init failed", slog.Any("error", err))
		return 2
	}
	if cfg.ArtifactEndpoint != "" {
		store, err := artifact.NewS3Store(ctx, artifact.S3Options{
			Endpoint:  cfg.ArtifactEndpoint,
			AccessKey: cfg.ArtifactAccessKey,
			SecretKey: cfg.ArtifactSecretKey,
			Bucket:    cfg.ArtifactBucket,
			UseSSL:    cfg.ArtifactUseSSL,
		})
		if err != nil {
			slog.Error("artifact store init failed", slog.Any("error", err))
			return 1
		}
		w.SetArtifactStore(store)
	}

	if err := w.Run(ctx); err != nil {
		slog.Error("worker exited with error", slog.Any("error", err))
		return 1
	}
	return 0
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
