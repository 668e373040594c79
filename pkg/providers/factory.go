package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
)

const (
	KindOpenAI     = "openai"
	KindOpenRouter = "openrouter"
	KindGemini     = "gemini"
	KindBrave      = "brave"
	KindDuckDuckGo = "duckduckgo"
)

// BuildFunc constructs an endpoint client. key is the API key chosen for
// this build; it is nil for endpoints without keys.
type BuildFunc func(ctx context.Context, name string, cfg EndpointConfig, key TokenSource) (Endpoint, error)

type endpointFactory struct {
	build        BuildFunc
	validate     func(cfg EndpointConfig) error
	capabilities []string
	needsModel   bool
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]endpointFactory{}
	registrationErr error
)

// RegisterFactory makes an endpoint kind available to routes files. It is
// called from init functions.
func RegisterFactory(kind string, build BuildFunc, validate func(cfg EndpointConfig) error, needsModel bool, capabilities ...string) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if strings.TrimSpace(kind) == "" {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory kind is required"))
		return
	}
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required"))
		return
	}
	factories[NormalizeKind(kind)] = endpointFactory{
		build:        build,
		validate:     validate,
		capabilities: capabilities,
		needsModel:   needsModel,
	}
}

func SupportedKinds() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for name := range factories {
		kinds = append(kinds, name)
	}
	sort.Strings(kinds)
	return kinds
}

// KindInfo reports the capabilities an endpoint kind serves and whether
// routes must name a model for it.
func KindInfo(kind string) (capabilities []string, needsModel bool, ok bool) {
	f, ok := lookupFactory(kind)
	if !ok {
		return nil, false, false
	}
	return append([]string(nil), f.capabilities...), f.needsModel, true
}

func NormalizeKind(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return KindOpenAI
	}
	return kind
}

func lookupFactory(kind string) (endpointFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	if registrationErr != nil {
		return endpointFactory{}, false
	}
	f, ok := factories[NormalizeKind(kind)]
	return f, ok
}

// buildEndpoint creates a client for the named endpoint, picking one of its
// API keys at random.
func buildEndpoint(ctx context.Context, name string, cfg EndpointConfig) (Endpoint, error) {
	factoryMu.RLock()
	regErr := registrationErr
	factoryMu.RUnlock()
	if regErr != nil {
		return nil, fmt.Errorf("provider registration failed: %w", regErr)
	}
	factory, ok := lookupFactory(cfg.Kind)
	if !ok {
		return nil, fmt.Errorf("unsupported endpoint kind %q: supported kinds are %s", cfg.Kind, strings.Join(SupportedKinds(), ", "))
	}

	var key TokenSource
	if n := len(cfg.APIKeys); n > 0 {
		i := rand.IntN(n)
		key = ResolveKeyRef(cfg.APIKeys[i], fmt.Sprintf("endpoints.%s.api_keys[%d]", name, i))
	}
	return factory.build(ctx, name, cfg, key)
}

func requireAPIKeys(cfg EndpointConfig) error {
	for _, k := range cfg.APIKeys {
		if strings.TrimSpace(k) != "" {
			return nil
		}
	}
	return fmt.Errorf("at least one api key is required")
}
