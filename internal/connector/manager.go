package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/config"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// Manager owns the connectors of one worker process. It instantiates them
// from the WORKERS env spec merged with the optional connectors YAML file,
// keeps failed ones around as offline stubs so their status stays visible,
// and routes jobs to the connector serving each service type.
type Manager struct {
	mu         sync.RWMutex
	registry   *Registry
	rdb        *redis.Client
	byService  map[string]Connector
	connectors []Connector
}

// NewManager creates an empty manager.
func NewManager(registry *Registry, rdb *redis.Client) *Manager {
	return &Manager{
		registry:  registry,
		rdb:       rdb,
		byService: make(map[string]Connector),
	}
}

// Load instantiates and initializes one connector per WORKERS entry. YAML
// settings matching the service name are applied; everything else runs on
// defaults. A connector whose Initialize fails is replaced by an offline
// stub rather than aborting worker startup.
func (m *Manager) Load(ctx context.Context, specs []config.ConnectorSpec, file File) error {
	if len(specs) == 0 {
		return fmt.Errorf("op=connector.Load: no connectors configured: %w", domain.ErrInvalidArgument)
	}
	settingsByService := make(map[string]Settings, len(file.Connectors))
	for _, s := range file.Connectors {
		settingsByService[s.Service] = s
	}

	for _, spec := range specs {
		settings, ok := settingsByService[spec.Service]
		if !ok {
			settings = Settings{Service: spec.Service}.withDefaults()
		}
		if spec.Count > 1 {
			settings.MaxConcurrent = spec.Count
		}

		conn, err := m.registry.Build(settings, m.rdb)
		if err != nil {
			return fmt.Errorf("op=connector.Load service=%s: %w", spec.Service, err)
		}
		if err := conn.Initialize(ctx); err != nil {
			slog.Error("connector initialization failed, keeping offline stub",
				slog.String("service", spec.Service),
				slog.String("connector_id", conn.ID()),
				slog.Any("error", err))
			stub := newOfflineStub(conn.ID(), spec.Service, m.rdb, err)
			stub.publish(ctx)
			m.add(stub)
			continue
		}
		slog.Info("connector initialized",
			slog.String("service", spec.Service),
			slog.String("connector_id", conn.ID()))
		m.add(conn)
	}
	return nil
}

func (m *Manager) add(c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors = append(m.connectors, c)
	m.byService[c.ServiceType()] = c
}

// ForService returns the connector handling a service type. Unknown
// "sim"-flavored services route to any simulation connector present.
func (m *Manager) ForService(service string) (Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.byService[service]; ok {
		return c, true
	}
	if strings.Contains(service, "sim") {
		for _, c := range m.connectors {
			if _, isSim := c.(*SimulationConnector); isSim {
				return c, true
			}
		}
	}
	return nil, false
}

// ForJob picks the connector for a job, honoring CanProcessJob.
func (m *Manager) ForJob(job domain.Job) (Connector, bool) {
	c, ok := m.ForService(job.Type)
	if !ok || !c.CanProcessJob(job) {
		return nil, false
	}
	return c, true
}

// Services lists the service types this worker advertises, offline stubs
// included: the fleet view should show a broken connector, not hide it.
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.connectors))
	for _, c := range m.connectors {
		out = append(out, c.ServiceType())
	}
	return out
}

// HealthyServices lists services whose connector currently passes its
// health probe. Capability advertisements use this set.
func (m *Manager) HealthyServices(ctx context.Context) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.connectors))
	for _, c := range m.connectors {
		if c.CheckHealth(ctx) {
			out = append(out, c.ServiceType())
		}
	}
	return out
}

// Models aggregates available models across healthy connectors.
func (m *Manager) Models(ctx context.Context) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range m.connectors {
		for _, model := range c.GetAvailableModels(ctx) {
			if !seen[model] {
				seen[model] = true
				out = append(out, model)
			}
		}
	}
	return out
}

// Healthy reports whether every connector passes its health probe.
func (m *Manager) Healthy(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.connectors {
		if !c.CheckHealth(ctx) {
			return false
		}
	}
	return len(m.connectors) > 0
}

// All returns the current connector set.
func (m *Manager) All() []Connector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connector, len(m.connectors))
	copy(out, m.connectors)
	return out
}

// Shutdown cleans up every connector. Errors are logged and swallowed;
// shutdown keeps going.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, c := range m.All() {
		if err := c.Cleanup(ctx); err != nil {
			slog.Warn("connector cleanup failed",
				slog.String("connector_id", c.ID()), slog.Any("error", err))
		}
	}
}

// offlineStub stands in for a connector that failed to initialize. It
// advertises the service as present but refuses jobs, keeping the failure
// visible in status listings instead of silently shrinking capabilities.
type offlineStub struct {
	*BaseConnector
	cause error
}

func newOfflineStub(id, service string, rdb *redis.Client, cause error) *offlineStub {
	return &offlineStub{
		BaseConnector: NewBaseConnector(id, service, rdb, 1),
		cause:         cause,
	}
}

func (s *offlineStub) publish(ctx context.Context) {
	s.SetState(ctx, domain.ConnectorError, s.cause)
}

func (s *offlineStub) Initialize(ctx context.Context) error { s.publish(ctx); return nil }
func (s *offlineStub) Cleanup(ctx context.Context) error {
	s.SetState(ctx, domain.ConnectorOffline, nil)
	return nil
}
func (s *offlineStub) CheckHealth(_ context.Context) bool                { return false }
func (s *offlineStub) GetAvailableModels(_ context.Context) []string     { return nil }
func (s *offlineStub) CanProcessJob(_ domain.Job) bool                   { return false }
func (s *offlineStub) CancelJob(_ context.Context, _ string) error       { return nil }

func (s *offlineStub) ProcessJob(_ context.Context, job domain.Job, _ ProgressFunc) (domain.JobResult, error) {
	return domain.JobResult{}, fmt.Errorf("op=connector.ProcessJob job=%s service=%s: connector offline: %w",
		job.ID, s.ServiceType(), s.cause)
}
