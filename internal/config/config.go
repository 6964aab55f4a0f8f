// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
// Hub and worker share one config type; each process reads the fields it needs.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	Port     int    `env:"PORT" envDefault:"8080"`
	RedisURL string `env:"HUB_REDIS_URL"`

	// Worker identity and connector loading.
	WorkerID  string `env:"WORKER_ID"`
	MachineID string `env:"MACHINE_ID"`
	// Workers describes which connectors to load, e.g. "comfyui:1,openai:1".
	Workers string `env:"WORKERS"`
	// ConnectorsFile optionally points at a YAML file with per-connector
	// settings (base URLs, auth, poll intervals).
	ConnectorsFile string `env:"CONNECTORS_FILE"`
	WorkerVersion  string `env:"WORKER_VERSION" envDefault:"dev"`

	// Worker loop timing. Poll interval is integer milliseconds and the
	// heartbeat interval integer seconds to match the upstream convention.
	PollIntervalMS        int           `env:"WORKER_POLL_INTERVAL_MS" envDefault:"1000"`
	JobTimeoutMinutes     int           `env:"WORKER_JOB_TIMEOUT_MINUTES" envDefault:"30"`
	HeartbeatIntervalSec  int           `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"30"`
	HealthCheckInterval   time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	InactivityTimeout     time.Duration `env:"WORKER_INACTIVITY_TIMEOUT" envDefault:"30s"`
	TimeoutSweepInterval  time.Duration `env:"WORKER_TIMEOUT_SWEEP_INTERVAL" envDefault:"30s"`
	StaleWorkerMultiplier int           `env:"STALE_WORKER_MULTIPLIER" envDefault:"3"`

	// Attestation TTLs. Both must be non-zero; Load rejects zero values.
	AttestationRetryTTL     time.Duration `env:"ATTESTATION_RETRY_TTL" envDefault:"5m"`
	AttestationPermanentTTL time.Duration `env:"ATTESTATION_PERMANENT_TTL" envDefault:"24h"`

	// Job retry configuration.
	RetryMaxRetries   int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryJitter       bool          `env:"RETRY_JITTER" envDefault:"true"`

	// Event bridge.
	SubscriberBuffer int           `env:"BRIDGE_SUBSCRIBER_BUFFER" envDefault:"256"`
	BridgeReadBlock  time.Duration `env:"BRIDGE_READ_BLOCK" envDefault:"5s"`
	BridgeMaxBackoff time.Duration `env:"BRIDGE_MAX_BACKOFF" envDefault:"30s"`

	// Webhook dispatcher.
	WebhookTimeout     time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	WebhookMaxRetries  int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`
	WebhookBackoff     time.Duration `env:"WEBHOOK_BACKOFF" envDefault:"1s"`
	WebhookMaxBackoff  time.Duration `env:"WEBHOOK_MAX_BACKOFF" envDefault:"5m"`
	WebhookHistorySize int           `env:"WEBHOOK_HISTORY_SIZE" envDefault:"50"`

	// Artifact store (S3-compatible). Optional; connectors fall back to
	// inlining small results when unset.
	ArtifactEndpoint  string `env:"ARTIFACT_ENDPOINT"`
	ArtifactAccessKey string `env:"ARTIFACT_ACCESS_KEY"`
	ArtifactSecretKey string `env:"ARTIFACT_SECRET_KEY"`
	ArtifactBucket    string `env:"ARTIFACT_BUCKET" envDefault:"job-artifacts"`
	ArtifactUseSSL    bool   `env:"ARTIFACT_USE_SSL" envDefault:"false"`

	// HTTP server.
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Observability.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-job-hub"`
	MetricsPort     int    `env:"WORKER_METRICS_PORT" envDefault:"9090"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.AttestationRetryTTL <= 0 || cfg.AttestationPermanentTTL <= 0 {
		return Config{}, fmt.Errorf("op=config.Load: attestation TTLs must be non-zero: %w", domain.ErrInvalidArgument)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// JobTimeout returns the per-job processing deadline.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMinutes) * time.Minute
}

// PollInterval returns the worker polling interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the worker heartbeat interval.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// GetRetryConfig builds the job-level retry configuration.
func (c Config) GetRetryConfig() domain.RetryConfig {
	return domain.RetryConfig{
		MaxRetries:   c.RetryMaxRetries,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryJitter,
	}
}

// ConnectorSpec is one entry parsed from the WORKERS environment variable.
type ConnectorSpec struct {
	Service string
	Count   int
}

// ParseWorkers parses WORKERS="<type>:<count>,..." into connector specs.
// A bare "<type>" means count 1.
func ParseWorkers(s string) ([]ConnectorSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("op=config.ParseWorkers: empty WORKERS: %w", domain.ErrInvalidArgument)
	}
	var specs []ConnectorSpec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, countStr, found := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("op=config.ParseWorkers: bad entry %q: %w", part, domain.ErrInvalidArgument)
		}
		count := 1
		if found {
			if _, err := fmt.Sscanf(strings.TrimSpace(countStr), "%d", &count); err != nil || count < 1 {
				return nil, fmt.Errorf("op=config.ParseWorkers: bad count in %q: %w", part, domain.ErrInvalidArgument)
			}
		}
		specs = append(specs, ConnectorSpec{Service: name, Count: count})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("op=config.ParseWorkers: empty WORKERS: %w", domain.ErrInvalidArgument)
	}
	return specs, nil
}
