package providers

import (
	"context"
	"fmt"
	"strings"
)

const defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"

func init() {
	RegisterFactory(KindOpenRouter, newOpenRouterEndpoint, requireAPIKeys, true,
		CapabilityChat, CapabilityPreprocess, CapabilityVision, CapabilitySearch, CapabilityThink)
}

func newOpenRouterEndpoint(_ context.Context, name string, cfg EndpointConfig, key TokenSource) (Endpoint, error) {
	if key == nil {
		return nil, fmt.Errorf("endpoint %s has no api key", name)
	}
	apiBase := strings.TrimSpace(cfg.BaseURL)
	if apiBase == "" {
		apiBase = defaultOpenRouterAPIBase
	}
	headers := map[string]string{
		"HTTP-Referer": "https://github.com/dotsetgreg/dotchat",
		"X-Title":      "dotchat",
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return newChatCompletionsEndpoint(name, KindOpenRouter, apiBase, cfg.Proxy, NewAPIKeyAuth(key), headers)
}
