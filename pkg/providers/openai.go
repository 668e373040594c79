package providers

import (
	"context"
	"fmt"
	"strings"
)

const defaultOpenAIAPIBase = "https://api.openai.com/v1"

func init() {
	RegisterFactory(KindOpenAI, newOpenAIEndpoint, validateOpenAIEndpoint, true,
		CapabilityChat, CapabilityPreprocess, CapabilityVision, CapabilityImage, CapabilitySearch, CapabilityThink)
}

func validateOpenAIEndpoint(cfg EndpointConfig) error {
	if err := requireAPIKeys(cfg); err != nil {
		return err
	}
	if cfg.MaxResults < 0 {
		return fmt.Errorf("max_results must not be negative")
	}
	return nil
}

func newOpenAIEndpoint(_ context.Context, name string, cfg EndpointConfig, key TokenSource) (Endpoint, error) {
	if key == nil {
		return nil, fmt.Errorf("endpoint %s has no api key", name)
	}
	apiBase := strings.TrimSpace(cfg.BaseURL)
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	return newChatCompletionsEndpoint(name, KindOpenAI, apiBase, cfg.Proxy, NewAPIKeyAuth(key), cfg.Headers)
}
