package connector

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// Factory builds one connector from its settings. Factories are registered
// per service name; configuration decides which ones get instantiated.
type Factory func(settings Settings, rdb *redis.Client) (Connector, error)

// Registry is the static service-to-factory table. Binaries register their
// factories at startup; no reflection, no plugin loading.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty factory registry with the simulation
// connector pre-registered under "simulation".
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("simulation", func(s Settings, rdb *redis.Client) (Connector, error) {
		return NewSimulation(s, rdb), nil
	})
	return r
}

// Register binds a factory to a service name. Re-registering replaces the
// previous factory.
func (r *Registry) Register(service string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[service] = f
}

// Build instantiates a connector for the service. Services without a
// registered factory fall back to the simulation factory when the name
// contains "sim" or ends in "-sim"; anything else is an error.
func (r *Registry) Build(settings Settings, rdb *redis.Client) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[settings.Service]
	if !ok && (strings.Contains(settings.Service, "sim") || strings.HasSuffix(settings.Service, "-sim")) {
		f, ok = r.factories["simulation"]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("op=connector.Build service=%s: no factory registered: %w",
			settings.Service, domain.ErrInvalidArgument)
	}
	return f(settings, rdb)
}

// Services lists registered service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
