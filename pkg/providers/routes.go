package providers

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// EndpointConfig is one entry under "endpoints" in the routes file.
type EndpointConfig struct {
	Kind       string            `yaml:"kind" json:"kind"`
	BaseURL    string            `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeys    []string          `yaml:"api_keys,omitempty" json:"api_keys,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Proxy      string            `yaml:"proxy,omitempty" json:"proxy,omitempty"`
	MaxResults int               `yaml:"max_results,omitempty" json:"max_results,omitempty"`
}

// Candidate is one (endpoint, model) attempt within a route.
type Candidate struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
}

type routesFile struct {
	Endpoints map[string]EndpointConfig `yaml:"endpoints"`
	Routes    map[string][]Candidate    `yaml:"routes"`
}

// RouteTable is a validated routes file. It is never mutated after
// construction.
type RouteTable struct {
	endpoints map[string]EndpointConfig
	routes    map[string][]Candidate
}

// LoadRoutes reads and validates a YAML (or JSON) routes file.
func LoadRoutes(path string) (*RouteTable, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return ParseRoutes(data)
}

func ParseRoutes(data []byte) (*RouteTable, error) {
	var raw routesFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	return NewRouteTable(raw.Endpoints, raw.Routes)
}

// NewRouteTable validates endpoints and routes. When no preprocess route is
// given the chat route is used for it.
func NewRouteTable(endpoints map[string]EndpointConfig, routes map[string][]Candidate) (*RouteTable, error) {
	t := &RouteTable{
		endpoints: make(map[string]EndpointConfig, len(endpoints)),
		routes:    make(map[string][]Candidate, len(routes)),
	}
	for name, ep := range endpoints {
		ep.Kind = NormalizeKind(ep.Kind)
		t.endpoints[strings.TrimSpace(name)] = ep
	}
	for capability, cands := range routes {
		t.routes[strings.ToLower(strings.TrimSpace(capability))] = slices.Clone(cands)
	}
	if _, ok := t.routes[CapabilityPreprocess]; !ok {
		if chat, ok := t.routes[CapabilityChat]; ok {
			t.routes[CapabilityPreprocess] = slices.Clone(chat)
		}
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *RouteTable) validate() error {
	var errs []error

	names := make([]string, 0, len(t.endpoints))
	for name := range t.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ep := t.endpoints[name]
		if name == "" {
			errs = append(errs, errors.New("endpoint with empty name"))
			continue
		}
		factory, ok := lookupFactory(ep.Kind)
		if !ok {
			errs = append(errs, fmt.Errorf("endpoint %q: unsupported kind %q (supported: %s)", name, ep.Kind, strings.Join(SupportedKinds(), ", ")))
			continue
		}
		if factory.validate != nil {
			if err := factory.validate(ep); err != nil {
				errs = append(errs, fmt.Errorf("endpoint %q: %w", name, err))
			}
		}
	}

	for _, capability := range t.Capabilities() {
		if !slices.Contains(knownCapabilities, capability) {
			errs = append(errs, fmt.Errorf("route %q: unknown capability (known: %s)", capability, strings.Join(knownCapabilities, ", ")))
			continue
		}
		for i, cand := range t.routes[capability] {
			ep, ok := t.endpoints[cand.Endpoint]
			if !ok {
				errs = append(errs, fmt.Errorf("route %s[%d]: unknown endpoint %q", capability, i, cand.Endpoint))
				continue
			}
			factory, ok := lookupFactory(ep.Kind)
			if !ok {
				continue
			}
			if !slices.Contains(factory.capabilities, capability) {
				errs = append(errs, fmt.Errorf("route %s[%d]: endpoint %q of kind %s cannot serve %s", capability, i, cand.Endpoint, ep.Kind, capability))
			}
			if factory.needsModel && strings.TrimSpace(cand.Model) == "" {
				errs = append(errs, fmt.Errorf("route %s[%d]: model is required for endpoint %q", capability, i, cand.Endpoint))
			}
		}
	}
	return errors.Join(errs...)
}

// Route returns the ordered candidates for a capability.
func (t *RouteTable) Route(capability string) []Candidate {
	if t == nil {
		return nil
	}
	return t.routes[capability]
}

func (t *RouteTable) Has(capability string) bool {
	return len(t.Route(capability)) > 0
}

func (t *RouteTable) Endpoint(name string) (EndpointConfig, bool) {
	if t == nil {
		return EndpointConfig{}, false
	}
	ep, ok := t.endpoints[name]
	return ep, ok
}

// Capabilities lists the configured capabilities in sorted order.
func (t *RouteTable) Capabilities() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.routes))
	for c := range t.routes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Summary renders each route as "endpoint/model" strings, without secrets.
func (t *RouteTable) Summary() map[string][]string {
	out := map[string][]string{}
	for _, c := range t.Capabilities() {
		for _, cand := range t.routes[c] {
			label := cand.Endpoint
			if cand.Model != "" {
				label += "/" + cand.Model
			}
			out[c] = append(out[c], label)
		}
	}
	return out
}
