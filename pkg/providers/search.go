package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	searchUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultSearchResults  = 5
	defaultBraveAPIBase   = "https://api.search.brave.com/res/v1"
	defaultDuckDuckGoBase = "https://html.duckduckgo.com"
	maxSearchBodyBytes    = 2 << 20
)

func init() {
	RegisterFactory(KindBrave, newBraveEndpoint, requireAPIKeys, false, CapabilitySearch)
	RegisterFactory(KindDuckDuckGo, newDuckDuckGoEndpoint, nil, false, CapabilitySearch)
}

type braveEndpoint struct {
	name       string
	apiBase    string
	auth       AuthStrategy
	maxResults int
	client     *http.Client
}

func newBraveEndpoint(_ context.Context, name string, cfg EndpointConfig, key TokenSource) (Endpoint, error) {
	if key == nil {
		return nil, fmt.Errorf("endpoint %s has no api key", name)
	}
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if apiBase == "" {
		apiBase = defaultBraveAPIBase
	}
	return &braveEndpoint{
		name:       name,
		apiBase:    apiBase,
		auth:       NewHeaderAuth("X-Subscription-Token", key),
		maxResults: resultCount(cfg.MaxResults),
		client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (p *braveEndpoint) Name() string { return p.name }
func (p *braveEndpoint) Kind() string { return KindBrave }

func (p *braveEndpoint) Search(ctx context.Context, query string, count int) (string, error) {
	if count <= 0 {
		count = p.maxResults
	}
	searchURL := fmt.Sprintf("%s/web/search?q=%s&count=%d", p.apiBase, url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if err := p.auth.Apply(ctx, req); err != nil {
		return "", &CallError{Kind: ErrKindConfig, Err: err}
	}

	body, err := doSearchRequest(p.client, req)
	if err != nil {
		return "", err
	}

	var searchResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return "", &CallError{Kind: ErrKindMalformed, Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	results := searchResp.Web.Results
	if len(results) == 0 {
		return "", ErrEmptyContent
	}

	lines := []string{fmt.Sprintf("Results for: %s", query)}
	for i, item := range results {
		if i >= count {
			break
		}
		lines = append(lines, fmt.Sprintf("%d. %s\n   %s", i+1, item.Title, item.URL))
		if item.Description != "" {
			lines = append(lines, "   "+item.Description)
		}
	}
	return strings.Join(lines, "\n"), nil
}

type duckDuckGoEndpoint struct {
	name       string
	apiBase    string
	maxResults int
	client     *http.Client
}

func newDuckDuckGoEndpoint(_ context.Context, name string, cfg EndpointConfig, _ TokenSource) (Endpoint, error) {
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if apiBase == "" {
		apiBase = defaultDuckDuckGoBase
	}
	return &duckDuckGoEndpoint{
		name:       name,
		apiBase:    apiBase,
		maxResults: resultCount(cfg.MaxResults),
		client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (p *duckDuckGoEndpoint) Name() string { return p.name }
func (p *duckDuckGoEndpoint) Kind() string { return KindDuckDuckGo }

func (p *duckDuckGoEndpoint) Search(ctx context.Context, query string, count int) (string, error) {
	if count <= 0 {
		count = p.maxResults
	}
	searchURL := fmt.Sprintf("%s/html/?q=%s", p.apiBase, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	body, err := doSearchRequest(p.client, req)
	if err != nil {
		return "", err
	}
	return extractDuckDuckGoResults(string(body), count, query)
}

type searchHit struct {
	title   string
	url     string
	snippet string
}

// extractDuckDuckGoResults walks the HTML results page. Each result container
// contributes its own title link and snippet.
func extractDuckDuckGoResults(page string, count int, query string) (string, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", &CallError{Kind: ErrKindMalformed, Err: fmt.Errorf("failed to parse results page: %w", err)}
	}

	var hits []searchHit
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(hits) >= count {
			return
		}
		if n.Type == html.ElementNode && hasClass(n, "result") {
			if hit := extractHit(n); hit.title != "" && hit.url != "" {
				hits = append(hits, hit)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(hits) == 0 {
		return "", ErrEmptyContent
	}

	lines := []string{fmt.Sprintf("Results for: %s (via DuckDuckGo)", query)}
	for i, hit := range hits {
		lines = append(lines, fmt.Sprintf("%d. %s\n   %s", i+1, hit.title, hit.url))
		if hit.snippet != "" {
			lines = append(lines, "   "+hit.snippet)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func extractHit(container *html.Node) searchHit {
	var hit searchHit
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hit.url == "" && n.Data == "a" && hasClass(n, "result__a"):
				hit.url = resultURL(attrValue(n, "href"))
				hit.title = textContent(n)
				return
			case hit.snippet == "" && hasClass(n, "result__snippet"):
				hit.snippet = textContent(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(container)
	return hit
}

// resultURL unwraps DuckDuckGo's redirect link to the target in its uddg
// parameter. Other hrefs are returned as they are.
func resultURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, token := range strings.Fields(attrValue(n, "class")) {
		if token == class {
			return true
		}
	}
	return false
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

// textContent joins the text under n with whitespace collapsed.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func doSearchRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, newStatusError(resp.StatusCode, extractAPIError(body))
	}
	return body, nil
}

func resultCount(n int) int {
	if n <= 0 {
		return defaultSearchResults
	}
	return n
}
