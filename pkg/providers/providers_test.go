package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, content string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}, "finish_reason": "stop"}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func failingServer(t *testing.T, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded"}}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func openAIEndpointConfig(baseURL string) EndpointConfig {
	return EndpointConfig{Kind: KindOpenAI, BaseURL: baseURL, APIKeys: []string{"sk-test"}}
}

func newTestClient(t *testing.T, endpoints map[string]EndpointConfig, routes map[string][]Candidate) *Client {
	t.Helper()
	table, err := NewRouteTable(endpoints, routes)
	require.NoError(t, err)
	return NewClient(NewRegistryFromTable(table), 2*time.Second)
}

func TestInvoke_FallbackOrder(t *testing.T) {
	var p1, p2, p3 atomic.Int32
	s1 := failingServer(t, http.StatusInternalServerError, &p1)
	s2 := chatServer(t, "from p2", &p2)
	s3 := chatServer(t, "from p3", &p3)

	client := newTestClient(t,
		map[string]EndpointConfig{
			"p1": openAIEndpointConfig(s1.URL),
			"p2": openAIEndpointConfig(s2.URL),
			"p3": openAIEndpointConfig(s3.URL),
		},
		map[string][]Candidate{
			CapabilityChat: {{Endpoint: "p1", Model: "m"}, {Endpoint: "p2", Model: "m"}, {Endpoint: "p3", Model: "m"}},
		})

	out, ok := client.Invoke(context.Background(), CapabilityChat, []Message{{Role: RoleUser, Content: "hi"}})
	require.True(t, ok)
	assert.Equal(t, "from p2", out)
	assert.Equal(t, int32(1), p1.Load())
	assert.Equal(t, int32(1), p2.Load())
	assert.Equal(t, int32(0), p3.Load(), "p3 must not be queried after p2 succeeds")
}

func TestInvoke_ExhaustionReturnsAbsent(t *testing.T) {
	s1 := failingServer(t, http.StatusBadGateway, nil)
	s2 := failingServer(t, http.StatusTooManyRequests, nil)

	client := newTestClient(t,
		map[string]EndpointConfig{
			"p1": openAIEndpointConfig(s1.URL),
			"p2": openAIEndpointConfig(s2.URL),
		},
		map[string][]Candidate{
			CapabilityChat: {{Endpoint: "p1", Model: "m"}, {Endpoint: "p2", Model: "m"}},
		})

	out, ok := client.Invoke(context.Background(), CapabilityChat, []Message{{Role: RoleUser, Content: "hi"}})
	assert.False(t, ok)
	assert.Empty(t, out)
}

func TestInvoke_NoRoute(t *testing.T) {
	s := chatServer(t, "ok", nil)
	client := newTestClient(t,
		map[string]EndpointConfig{"p": openAIEndpointConfig(s.URL)},
		map[string][]Candidate{CapabilityChat: {{Endpoint: "p", Model: "m"}}})

	_, ok := client.Invoke(context.Background(), CapabilityThink, nil)
	assert.False(t, ok)
	assert.False(t, client.Has(CapabilityThink))
	assert.True(t, client.Has(CapabilityChat))
}

func TestInvoke_TimeoutFallsThrough(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)
	fast := chatServer(t, "fast", nil)

	table, err := NewRouteTable(
		map[string]EndpointConfig{
			"slow": openAIEndpointConfig(slow.URL),
			"fast": openAIEndpointConfig(fast.URL),
		},
		map[string][]Candidate{CapabilityChat: {{Endpoint: "slow", Model: "m"}, {Endpoint: "fast", Model: "m"}}})
	require.NoError(t, err)
	client := NewClient(NewRegistryFromTable(table), 100*time.Millisecond)

	start := time.Now()
	out, ok := client.Invoke(context.Background(), CapabilityChat, []Message{{Role: RoleUser, Content: "hi"}})
	require.True(t, ok)
	assert.Equal(t, "fast", out)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInvoke_EmptyContentFallsThrough(t *testing.T) {
	empty := chatServer(t, "   ", nil)
	good := chatServer(t, "answer", nil)

	client := newTestClient(t,
		map[string]EndpointConfig{
			"empty": openAIEndpointConfig(empty.URL),
			"good":  openAIEndpointConfig(good.URL),
		},
		map[string][]Candidate{CapabilityChat: {{Endpoint: "empty", Model: "m"}, {Endpoint: "good", Model: "m"}}})

	out, ok := client.Invoke(context.Background(), CapabilityChat, nil)
	require.True(t, ok)
	assert.Equal(t, "answer", out)
}

func TestInvoke_RequestShape(t *testing.T) {
	var seenAuth, seenPath, seenTitle string
	var seenModel any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		seenTitle = r.Header.Get("X-Title")
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		seenModel = req["model"]
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":[{"type":"text","text":"o"},{"type":"text","text":"k"}]}}]}`))
	}))
	defer server.Close()

	client := newTestClient(t,
		map[string]EndpointConfig{"or": {Kind: KindOpenRouter, BaseURL: server.URL, APIKeys: []string{"or-key"}}},
		map[string][]Candidate{CapabilityChat: {{Endpoint: "or", Model: "vendor/model"}}})

	out, ok := client.Invoke(context.Background(), CapabilityChat, []Message{{Role: RoleUser, Content: "hi"}})
	require.True(t, ok)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "Bearer or-key", seenAuth)
	assert.Equal(t, "/chat/completions", seenPath)
	assert.Equal(t, "dotchat", seenTitle)
	assert.Equal(t, "vendor/model", seenModel)
}

func TestDescribe_SendsImageContentPart(t *testing.T) {
	var parts []any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content any `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) == 1 {
			parts, _ = req.Messages[0].Content.([]any)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"a cat"}}]}`))
	}))
	defer server.Close()

	client := newTestClient(t,
		map[string]EndpointConfig{"v": openAIEndpointConfig(server.URL)},
		map[string][]Candidate{CapabilityVision: {{Endpoint: "v", Model: "vision-model"}}})

	out, ok := client.Describe(context.Background(), CapabilityVision, "what is this", []byte{0x89, 'P', 'N', 'G'}, "image/png")
	require.True(t, ok)
	assert.Equal(t, "a cat", out)
	require.Len(t, parts, 2)
	img, _ := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	urlObj, _ := img["image_url"].(map[string]any)
	assert.True(t, strings.HasPrefix(urlObj["url"].(string), "data:image/png;base64,"))
}

func TestInvokeImageSynthesis(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"aGVsbG8="}]}`))
	}))
	defer server.Close()

	client := newTestClient(t,
		map[string]EndpointConfig{"img": openAIEndpointConfig(server.URL)},
		map[string][]Candidate{CapabilityImage: {{Endpoint: "img", Model: "image-model"}}})

	url, ok := client.InvokeImageSynthesis(context.Background(), CapabilityImage, "a red square")
	require.True(t, ok)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", url)
}

func TestSearch_BraveThenChatFallback(t *testing.T) {
	var seenToken string
	brave := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenToken = r.Header.Get("X-Subscription-Token")
		_, _ = w.Write([]byte(`{"web":{"results":[]}}`))
	}))
	defer brave.Close()
	chat := chatServer(t, "digest", nil)

	client := newTestClient(t,
		map[string]EndpointConfig{
			"brave": {Kind: KindBrave, BaseURL: brave.URL, APIKeys: []string{"bsk"}},
			"chat":  openAIEndpointConfig(chat.URL),
		},
		map[string][]Candidate{CapabilitySearch: {{Endpoint: "brave"}, {Endpoint: "chat", Model: "m"}}})

	out, ok := client.Search(context.Background(), CapabilitySearch, "go generics")
	require.True(t, ok)
	assert.Equal(t, "digest", out, "empty search results fall through to the next candidate")
	assert.Equal(t, "bsk", seenToken)
}

func TestExtractDuckDuckGoResults(t *testing.T) {
	page := `<div class="result results_links web-result">
<a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2F&rut=x">The <b>Go</b> site</a>
<a class="result__snippet" href="x">Build simple, <b>secure</b> software.</a>
</div>`
	out, err := extractDuckDuckGoResults(page, 5, "golang")
	require.NoError(t, err)
	assert.Contains(t, out, "1. The Go site")
	assert.Contains(t, out, "https://go.dev/")
	assert.Contains(t, out, "Build simple, secure software.")

	_, err = extractDuckDuckGoResults("<html></html>", 5, "golang")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestExtractDuckDuckGoResults_PairsSnippetsPerResult(t *testing.T) {
	page := `<html><body>
<div class="result results_links">
  <h2><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F&amp;rut=abc123">Go &amp; Docs: Tom&#x27;s guide</a></h2>
</div>
<div class="result results_links">
  <h2><a class="result__a" href="https://pkg.go.dev/">Packages</a></h2>
  <a class="result__snippet" href="https://pkg.go.dev/">Snippet that belongs to SECOND</a>
</div>
<div class="result results_links">
  <h2><a class="result__a" href="https://example.com/">Third</a></h2>
</div>
</body></html>`

	out, err := extractDuckDuckGoResults(page, 2, "go docs")
	require.NoError(t, err)

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "Results for: go docs (via DuckDuckGo)", lines[0])
	assert.Equal(t, "1. Go & Docs: Tom's guide", lines[1])
	assert.Equal(t, "   https://go.dev/doc/", lines[2])
	assert.Equal(t, "2. Packages", lines[3])
	assert.Equal(t, "   https://pkg.go.dev/", lines[4])
	assert.Equal(t, "   Snippet that belongs to SECOND", lines[5])
	assert.NotContains(t, out, "rut=")
	assert.NotContains(t, out, "Third", "count caps the results")
}

func TestDoSearchRequest_CapsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", maxSearchBodyBytes+1024)))
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	body, err := doSearchRequest(server.Client(), req)
	require.NoError(t, err)
	assert.Len(t, body, maxSearchBodyBytes)
}

func TestRouteTable_PreprocessDefaultsToChat(t *testing.T) {
	table, err := ParseRoutes([]byte(`
endpoints:
  main:
    kind: openai
    api_keys: [sk-1]
routes:
  chat:
    - endpoint: main
      model: gpt-main
`))
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{Endpoint: "main", Model: "gpt-main"}}, table.Route(CapabilityPreprocess))
	assert.Equal(t, map[string][]string{
		CapabilityChat:       {"main/gpt-main"},
		CapabilityPreprocess: {"main/gpt-main"},
	}, table.Summary())
}

func TestRouteTable_Validation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "unknown kind",
			doc:     "endpoints: {x: {kind: carrier-pigeon}}\nroutes: {}",
			wantErr: "unsupported kind",
		},
		{
			name:    "missing keys",
			doc:     "endpoints: {x: {kind: openai}}\nroutes: {chat: [{endpoint: x, model: m}]}",
			wantErr: "api key",
		},
		{
			name:    "unknown endpoint",
			doc:     "endpoints: {}\nroutes: {chat: [{endpoint: ghost, model: m}]}",
			wantErr: "unknown endpoint",
		},
		{
			name:    "unknown capability",
			doc:     "endpoints: {x: {kind: openai, api_keys: [k]}}\nroutes: {dance: [{endpoint: x, model: m}]}",
			wantErr: "unknown capability",
		},
		{
			name:    "search backend on chat route",
			doc:     "endpoints: {d: {kind: duckduckgo}}\nroutes: {chat: [{endpoint: d}]}",
			wantErr: "cannot serve chat",
		},
		{
			name:    "missing model",
			doc:     "endpoints: {x: {kind: openai, api_keys: [k]}}\nroutes: {chat: [{endpoint: x}]}",
			wantErr: "model is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRoutes([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry_ReloadSwapsTableAndCache(t *testing.T) {
	first := chatServer(t, "first", nil)
	second := chatServer(t, "second", nil)

	path := filepath.Join(t.TempDir(), "models.yaml")
	write := func(url string) {
		doc := "endpoints:\n  main:\n    kind: openai\n    base_url: " + url + "\n    api_keys: [sk]\nroutes:\n  chat:\n    - endpoint: main\n      model: m\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	}
	write(first.URL)

	reg, err := NewRegistry(path)
	require.NoError(t, err)
	client := NewClient(reg, time.Second)

	out, ok := client.Invoke(context.Background(), CapabilityChat, nil)
	require.True(t, ok)
	assert.Equal(t, "first", out)

	write(second.URL)
	require.NoError(t, reg.Reload())
	out, ok = client.Invoke(context.Background(), CapabilityChat, nil)
	require.True(t, ok)
	assert.Equal(t, "second", out, "endpoint cache must be rebuilt after reload")

	require.NoError(t, os.WriteFile(path, []byte("endpoints: {x: {kind: nope}}"), 0o600))
	assert.Error(t, reg.Reload())
	out, ok = client.Invoke(context.Background(), CapabilityChat, nil)
	require.True(t, ok)
	assert.Equal(t, "second", out, "failed reload keeps the previous table")
}

func TestRegistry_CachesEndpointPerName(t *testing.T) {
	s := chatServer(t, "ok", nil)
	table, err := NewRouteTable(
		map[string]EndpointConfig{"main": openAIEndpointConfig(s.URL)},
		map[string][]Candidate{
			CapabilityChat:   {{Endpoint: "main", Model: "a"}},
			CapabilityVision: {{Endpoint: "main", Model: "b"}},
		})
	require.NoError(t, err)
	reg := NewRegistryFromTable(table)
	snap := reg.snapshot()

	ep1, err := snap.endpoint(context.Background(), "main")
	require.NoError(t, err)
	ep2, err := snap.endpoint(context.Background(), "main")
	require.NoError(t, err)
	assert.Same(t, ep1, ep2)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrKindTimeout, classify("e", "m", context.DeadlineExceeded).Kind)
	assert.Equal(t, ErrKindEmpty, classify("e", "m", ErrEmptyContent).Kind)
	ce := classify("e", "m", newStatusError(http.StatusBadGateway, "bad"))
	assert.Equal(t, ErrKindStatus, ce.Kind)
	assert.Equal(t, http.StatusBadGateway, ce.Status)
	assert.Equal(t, "e", ce.Endpoint)
	assert.Contains(t, ce.Error(), "e/m")
}

func TestRegisterFactory_InvalidRegistrationDoesNotPanic(t *testing.T) {
	factoryMu.RLock()
	origFactories := make(map[string]endpointFactory, len(factories))
	for k, v := range factories {
		origFactories[k] = v
	}
	origErr := registrationErr
	factoryMu.RUnlock()

	defer func() {
		factoryMu.Lock()
		factories = origFactories
		registrationErr = origErr
		factoryMu.Unlock()
	}()

	didPanic := false
	func() {
		defer func() {
			if recover() != nil {
				didPanic = true
			}
		}()
		RegisterFactory("", nil, nil, false)
	}()
	if didPanic {
		t.Fatalf("RegisterFactory should not panic on invalid registration")
	}

	if _, err := buildEndpoint(context.Background(), "x", openAIEndpointConfig("http://127.0.0.1")); err == nil {
		t.Fatalf("expected endpoint build to fail after invalid registration")
	}
}
