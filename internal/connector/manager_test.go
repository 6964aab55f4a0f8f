package connector

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/config"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

func TestRegistryBuildSimFallback(t *testing.T) {
	r := NewRegistry()

	c, err := r.Build(Settings{Service: "comfyui-sim"}, nil)
	if err != nil {
		t.Fatalf("Build sim-flavored service: %v", err)
	}
	if _, ok := c.(*SimulationConnector); !ok {
		t.Errorf("connector type = %T, want *SimulationConnector", c)
	}

	if _, err := r.Build(Settings{Service: "comfyui"}, nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("unknown service error = %v, want ErrInvalidArgument", err)
	}
}

func TestRegistryRegisterAndServices(t *testing.T) {
	r := NewRegistry()
	r.Register("comfyui", func(s Settings, rdb *redis.Client) (Connector, error) {
		return NewSimulation(Settings{ID: "fake", Service: s.Service}, rdb), nil
	})

	services := r.Services()
	if len(services) != 2 || services[0] != "comfyui" || services[1] != "simulation" {
		t.Errorf("services = %v, want [comfyui simulation]", services)
	}

	c, err := r.Build(Settings{Service: "comfyui"}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.ID() != "fake" {
		t.Errorf("connector id = %s, want fake", c.ID())
	}
}

func TestManagerLoadAndRoute(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	specs := []config.ConnectorSpec{{Service: "sim", Count: 1}}
	if err := m.Load(context.Background(), specs, File{}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	c, ok := m.ForService("sim")
	if !ok {
		t.Fatal("sim connector not routable")
	}
	if _, isSim := c.(*SimulationConnector); !isSim {
		t.Errorf("connector type = %T", c)
	}

	// Unknown sim-flavored service types still route to the simulator.
	if _, ok := m.ForService("video-sim"); !ok {
		t.Error("sim-flavored service did not fall back to simulator")
	}
	if _, ok := m.ForService("comfyui"); ok {
		t.Error("unknown non-sim service routed somewhere")
	}

	if _, ok := m.ForJob(domain.Job{Type: "sim"}); !ok {
		t.Error("ForJob rejected a processable job")
	}

	services := m.Services()
	if len(services) != 1 || services[0] != "sim" {
		t.Errorf("services = %v, want [sim]", services)
	}
	if !m.Healthy(context.Background()) {
		t.Error("manager with one healthy simulator reported unhealthy")
	}
}

func TestManagerLoadRequiresSpecs(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	if err := m.Load(context.Background(), nil, File{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("error = %v, want ErrInvalidArgument", err)
	}
}

func TestManagerKeepsOfflineStubOnInitFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", func(s Settings, rdb *redis.Client) (Connector, error) {
		return &failingInitConnector{
			BaseConnector: NewBaseConnector("broken-1", s.Service, rdb, 1),
		}, nil
	})

	m := NewManager(reg, nil)
	specs := []config.ConnectorSpec{{Service: "broken", Count: 1}}
	if err := m.Load(context.Background(), specs, File{}); err != nil {
		t.Fatalf("Load must survive init failure: %v", err)
	}

	// The service stays visible but refuses work.
	c, ok := m.ForService("broken")
	if !ok {
		t.Fatal("offline stub not listed")
	}
	if c.CanProcessJob(domain.Job{Type: "broken"}) {
		t.Error("offline stub accepted a job")
	}
	if _, err := c.ProcessJob(context.Background(), domain.Job{ID: "j1", Type: "broken"}, func(float64, string) {}); err == nil {
		t.Error("offline stub processed a job")
	}
	if m.Healthy(context.Background()) {
		t.Error("manager with only a dead connector reported healthy")
	}
}

type failingInitConnector struct {
	*BaseConnector
}

func (c *failingInitConnector) Initialize(context.Context) error {
	return fmt.Errorf("backend never came up")
}
func (c *failingInitConnector) Cleanup(context.Context) error               { return nil }
func (c *failingInitConnector) CheckHealth(context.Context) bool            { return false }
func (c *failingInitConnector) GetAvailableModels(context.Context) []string { return nil }
func (c *failingInitConnector) CancelJob(context.Context, string) error     { return nil }
func (c *failingInitConnector) ProcessJob(context.Context, domain.Job, ProgressFunc) (domain.JobResult, error) {
	return domain.JobResult{}, fmt.Errorf("not initialized")
}
