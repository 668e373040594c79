package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// The per-call deadline comes from the caller's context; this only guards
// against a hung connection outliving it.
const defaultHTTPTimeout = 300 * time.Second

// chatCompletionsEndpoint speaks the OpenAI-compatible /chat/completions and
// /images/generations APIs.
type chatCompletionsEndpoint struct {
	name         string
	kind         string
	apiBase      string
	auth         AuthStrategy
	httpClient   *http.Client
	extraHeaders map[string]string
}

func newChatCompletionsEndpoint(name, kind, apiBase, proxy string, auth AuthStrategy, extraHeaders map[string]string) (*chatCompletionsEndpoint, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("endpoint name is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", name)
	}
	if auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", name)
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	proxy = strings.TrimSpace(proxy)
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", name, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	cleanHeaders := map[string]string{}
	for k, v := range extraHeaders {
		hName := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if hName == "" || value == "" {
			continue
		}
		cleanHeaders[hName] = value
	}

	return &chatCompletionsEndpoint{
		name:         name,
		kind:         kind,
		apiBase:      apiBase,
		auth:         auth,
		httpClient:   client,
		extraHeaders: cleanHeaders,
	}, nil
}

func (p *chatCompletionsEndpoint) Name() string { return p.name }
func (p *chatCompletionsEndpoint) Kind() string { return p.kind }

func (p *chatCompletionsEndpoint) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	requestBody := map[string]interface{}{
		"model":    strings.TrimSpace(model),
		"messages": encodeChatMessages(messages),
	}
	body, err := p.post(ctx, "/chat/completions", requestBody)
	if err != nil {
		return "", err
	}
	content, err := parseChatCompletionsResponse(body)
	if err != nil {
		return "", &CallError{Kind: ErrKindMalformed, Err: fmt.Errorf("parse %s response: %w", p.name, err)}
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	return content, nil
}

func (p *chatCompletionsEndpoint) GenerateImage(ctx context.Context, model, prompt string) (string, error) {
	requestBody := map[string]interface{}{
		"model":  strings.TrimSpace(model),
		"prompt": prompt,
		"n":      1,
	}
	body, err := p.post(ctx, "/images/generations", requestBody)
	if err != nil {
		return "", err
	}

	var resp struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &CallError{Kind: ErrKindMalformed, Err: fmt.Errorf("parse %s image response: %w", p.name, err)}
	}
	for _, d := range resp.Data {
		if u := strings.TrimSpace(d.URL); u != "" {
			return u, nil
		}
		if d.B64JSON != "" {
			return "data:image/png;base64," + d.B64JSON, nil
		}
	}
	return "", ErrEmptyContent
}

func (p *chatCompletionsEndpoint) post(ctx context.Context, path string, requestBody map[string]interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", p.name, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if err := p.auth.Apply(ctx, req); err != nil {
		return nil, &CallError{Kind: ErrKindConfig, Err: fmt.Errorf("apply %s auth: %w", p.name, err)}
	}
	for hName, value := range p.extraHeaders {
		req.Header.Set(hName, value)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", p.name, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := augmentProviderError(p.kind, resp.StatusCode, extractAPIError(body))
		return nil, newStatusError(resp.StatusCode, msg)
	}
	return body, nil
}

// encodeChatMessages switches a message to the content-parts form when it
// carries images.
func encodeChatMessages(messages []Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		if len(m.Images) == 0 {
			out = append(out, map[string]interface{}{"role": m.Role, "content": m.Content})
			continue
		}
		parts := []map[string]interface{}{}
		if m.Content != "" {
			parts = append(parts, map[string]interface{}{"type": "text", "text": m.Content})
		}
		for _, img := range m.Images {
			dataURL := "data:" + img.MIME + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
			parts = append(parts, map[string]interface{}{
				"type":      "image_url",
				"image_url": map[string]interface{}{"url": dataURL},
			})
		}
		out = append(out, map[string]interface{}{"role": m.Role, "content": parts})
	}
	return out
}

func parseChatCompletionsResponse(body []byte) (string, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content interface{} `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", err
	}
	if len(apiResponse.Choices) == 0 {
		return "", nil
	}
	return flattenMessageContent(apiResponse.Choices[0].Message.Content), nil
}

func flattenMessageContent(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
				continue
			}
			if content, ok := m["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    interface{} `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
