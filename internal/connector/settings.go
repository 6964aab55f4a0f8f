package connector

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthScheme selects how backend requests are authenticated.
type AuthScheme string

const (
	AuthNone   AuthScheme = ""
	AuthAPIKey AuthScheme = "api_key"
	AuthBearer AuthScheme = "bearer"
	AuthBasic  AuthScheme = "basic"
	AuthOAuth  AuthScheme = "oauth"
)

// AuthSettings configures backend authentication.
type AuthSettings struct {
	Scheme   AuthScheme `yaml:"scheme"`
	Header   string     `yaml:"header"`
	APIKey   string     `yaml:"api_key"`
	Token    string     `yaml:"token"`
	Username string     `yaml:"username"`
	Password string     `yaml:"password"`
}

// RetrySettings configures backoff for transient backend failures.
type RetrySettings struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

func (r RetrySettings) withDefaults() RetrySettings {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = 500 * time.Millisecond
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 10 * time.Second
	}
	if r.Multiplier <= 1 {
		r.Multiplier = 2.0
	}
	return r
}

// Settings is one connector's configuration, read from the connectors YAML
// file or assembled from environment defaults.
type Settings struct {
	ID             string        `yaml:"id"`
	Service        string        `yaml:"service"`
	BaseURL        string        `yaml:"base_url"`
	Endpoint       string        `yaml:"endpoint"`
	StatusEndpoint string        `yaml:"status_endpoint"`
	HealthEndpoint string        `yaml:"health_endpoint"`
	ModelsEndpoint string        `yaml:"models_endpoint"`
	WSURL          string        `yaml:"ws_url"`
	Auth           AuthSettings  `yaml:"auth"`
	Retry          RetrySettings `yaml:"retry"`
	Timeout        time.Duration `yaml:"timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	Models         []string      `yaml:"models"`
	Extra          map[string]string `yaml:"extra"`
}

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = 60 * time.Second
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 2 * time.Second
	}
	if s.PingInterval <= 0 {
		s.PingInterval = 30 * time.Second
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = 1
	}
	s.Retry = s.Retry.withDefaults()
	return s
}

// File is the on-disk shape of the connectors YAML file.
type File struct {
	Connectors []Settings `yaml:"connectors"`
}

// LoadFile reads and validates a connectors YAML file. A missing path is not
// an error: the worker then falls back to WORKERS-derived defaults.
func LoadFile(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("op=connector.LoadFile path=%s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("op=connector.LoadFile path=%s: %w", path, err)
	}
	for i, c := range f.Connectors {
		if c.Service == "" {
			return File{}, fmt.Errorf("op=connector.LoadFile path=%s: connector %d missing service", path, i)
		}
		f.Connectors[i] = c.withDefaults()
	}
	return f, nil
}
