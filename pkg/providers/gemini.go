package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

func init() {
	RegisterFactory(KindGemini, newGeminiEndpoint, requireAPIKeys, true,
		CapabilityChat, CapabilityPreprocess, CapabilityVision, CapabilityImage, CapabilityThink)
}

// geminiEndpoint talks to the Gemini API through the genai SDK.
type geminiEndpoint struct {
	name   string
	client *genai.Client
}

func newGeminiEndpoint(ctx context.Context, name string, cfg EndpointConfig, key TokenSource) (Endpoint, error) {
	apiKey, err := resolveToken(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", name, err)
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	if len(cfg.Headers) > 0 {
		cc.HTTPOptions.Headers = make(map[string][]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			cc.HTTPOptions.Headers[k] = []string{v}
		}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &geminiEndpoint{name: name, client: client}, nil
}

func (g *geminiEndpoint) Name() string { return g.name }
func (g *geminiEndpoint) Kind() string { return KindGemini }

func (g *geminiEndpoint) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		parts := make([]*genai.Part, 0, 1+len(m.Images))
		if m.Content != "" {
			parts = append(parts, genai.NewPartFromText(m.Content))
		}
		for _, img := range m.Images {
			parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIME))
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}

	var config *genai.GenerateContentConfig
	if len(system) > 0 {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser),
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyContent
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyContent
	}
	return sb.String(), nil
}

func (g *geminiEndpoint) GenerateImage(ctx context.Context, model, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateImages(ctx, model, prompt, nil)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return "", ErrEmptyContent
	}
	img := resp.GeneratedImages[0].Image
	if len(img.ImageBytes) == 0 {
		return "", ErrEmptyContent
	}
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.ImageBytes), nil
}
