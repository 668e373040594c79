package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dotsetgreg/dotchat/pkg/logger"
)

// Registry owns the route table and the endpoint client cache. Reload swaps
// both together; calls that already hold a snapshot finish on it.
type Registry struct {
	path    string
	current atomic.Pointer[registrySnapshot]
	reload  sync.Mutex
}

type registrySnapshot struct {
	table *RouteTable

	mu        sync.Mutex
	endpoints map[string]Endpoint
}

func newSnapshot(table *RouteTable) *registrySnapshot {
	return &registrySnapshot{table: table, endpoints: map[string]Endpoint{}}
}

// NewRegistry loads the routes file at path.
func NewRegistry(path string) (*Registry, error) {
	table, err := LoadRoutes(path)
	if err != nil {
		return nil, err
	}
	r := &Registry{path: path}
	r.current.Store(newSnapshot(table))
	return r, nil
}

// NewRegistryFromTable wraps an already validated table. Reload is not
// available without a path.
func NewRegistryFromTable(table *RouteTable) *Registry {
	r := &Registry{}
	r.current.Store(newSnapshot(table))
	return r
}

func (r *Registry) Path() string { return r.path }

// Reload re-reads the routes file and, if it validates, replaces the route
// table and drops every cached endpoint client. On error the previous table
// stays active.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("registry has no routes file")
	}
	r.reload.Lock()
	defer r.reload.Unlock()

	table, err := LoadRoutes(r.path)
	if err != nil {
		return err
	}
	r.current.Store(newSnapshot(table))
	logger.InfoCF("providers", "Routes reloaded", map[string]any{
		"path":         r.path,
		"capabilities": table.Capabilities(),
	})
	return nil
}

// Swap installs table directly.
func (r *Registry) Swap(table *RouteTable) {
	r.current.Store(newSnapshot(table))
}

func (r *Registry) snapshot() *registrySnapshot {
	return r.current.Load()
}

func (r *Registry) Has(capability string) bool {
	return r.snapshot().table.Has(capability)
}

func (r *Registry) Route(capability string) []Candidate {
	return r.snapshot().table.Route(capability)
}

func (r *Registry) Summary() map[string][]string {
	return r.snapshot().table.Summary()
}

// endpoint returns the cached client for name, building it on first use.
// Build failures are not cached.
func (s *registrySnapshot) endpoint(ctx context.Context, name string) (Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep, ok := s.endpoints[name]; ok {
		return ep, nil
	}
	cfg, ok := s.table.Endpoint(name)
	if !ok {
		return nil, fmt.Errorf("unknown endpoint %q", name)
	}
	ep, err := buildEndpoint(ctx, name, cfg)
	if err != nil {
		return nil, err
	}
	s.endpoints[name] = ep
	logger.DebugCF("providers", "Endpoint client created", map[string]any{
		"endpoint": name,
		"kind":     ep.Kind(),
	})
	return ep, nil
}
