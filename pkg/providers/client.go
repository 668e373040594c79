// DotChat - Group chat reply pipeline
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dotsetgreg/dotchat/pkg/logger"
)

const DefaultCallTimeout = 60 * time.Second

const searchInstruction = "Search for up-to-date information about the user's query and reply with a short factual digest. Cite sources when you have them."

var tracer = otel.Tracer("github.com/dotsetgreg/dotchat/pkg/providers")

// Client runs capability calls against the registry's routes. Every call
// tries candidates in order and reports exhaustion as ok=false, never as an
// error.
type Client struct {
	registry *Registry
	timeout  time.Duration
}

func NewClient(registry *Registry, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{registry: registry, timeout: timeout}
}

func (c *Client) Registry() *Registry { return c.registry }

// Has reports whether capability has at least one candidate.
func (c *Client) Has(capability string) bool {
	return c.registry.Has(capability)
}

// Invoke sends messages to the capability's chat route.
func (c *Client) Invoke(ctx context.Context, capability string, messages []Message) (string, bool) {
	return fallback(ctx, c, capability, func(ctx context.Context, ep Endpoint, model string) (string, error) {
		chat, ok := ep.(ChatEndpoint)
		if !ok {
			return "", errUnsupported(ep, capability)
		}
		return chat.Chat(ctx, model, messages)
	})
}

// InvokeImageSynthesis returns the URL of an image generated from prompt.
func (c *Client) InvokeImageSynthesis(ctx context.Context, capability, prompt string) (string, bool) {
	return fallback(ctx, c, capability, func(ctx context.Context, ep Endpoint, model string) (string, error) {
		gen, ok := ep.(ImageEndpoint)
		if !ok {
			return "", errUnsupported(ep, capability)
		}
		return gen.GenerateImage(ctx, model, prompt)
	})
}

// Describe asks a vision route about one image.
func (c *Client) Describe(ctx context.Context, capability, prompt string, image []byte, mime string) (string, bool) {
	messages := []Message{{
		Role:    RoleUser,
		Content: prompt,
		Images:  []ImageInput{{MIME: mime, Data: image}},
	}}
	return c.Invoke(ctx, capability, messages)
}

// Search answers query with a search backend, or with a chat model when the
// route points at one.
func (c *Client) Search(ctx context.Context, capability, query string) (string, bool) {
	return fallback(ctx, c, capability, func(ctx context.Context, ep Endpoint, model string) (string, error) {
		switch s := ep.(type) {
		case SearchEndpoint:
			return s.Search(ctx, query, 0)
		case ChatEndpoint:
			return s.Chat(ctx, model, []Message{
				{Role: RoleSystem, Content: searchInstruction},
				{Role: RoleUser, Content: query},
			})
		default:
			return "", errUnsupported(ep, capability)
		}
	})
}

type callFunc func(ctx context.Context, ep Endpoint, model string) (string, error)

func fallback(ctx context.Context, c *Client, capability string, call callFunc) (string, bool) {
	snap := c.registry.snapshot()
	candidates := snap.table.Route(capability)

	ctx, span := tracer.Start(ctx, "providers.invoke", trace.WithAttributes(
		attribute.String("capability", capability),
		attribute.Int("candidates", len(candidates)),
	))
	defer span.End()

	if len(candidates) == 0 {
		logger.WarnCF("providers", "No route configured", map[string]any{"capability": capability})
		span.SetStatus(codes.Error, "no route")
		return "", false
	}

	for i, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		out, err := c.attempt(ctx, snap, cand, call)
		if err == nil {
			span.SetAttributes(
				attribute.String("endpoint", cand.Endpoint),
				attribute.String("model", cand.Model),
				attribute.Int("attempt", i+1),
			)
			return out, true
		}
		ce := classify(cand.Endpoint, cand.Model, err)
		span.AddEvent("candidate failed", trace.WithAttributes(
			attribute.String("endpoint", cand.Endpoint),
			attribute.String("kind", string(ce.Kind)),
		))
		logger.WarnCF("providers", "Provider call failed", map[string]any{
			"capability": capability,
			"endpoint":   cand.Endpoint,
			"model":      cand.Model,
			"kind":       string(ce.Kind),
			"status":     ce.Status,
			"error":      ce.Err.Error(),
			"remaining":  len(candidates) - i - 1,
		})
	}

	logger.WarnCF("providers", "All candidates failed", map[string]any{
		"capability": capability,
		"candidates": len(candidates),
	})
	span.SetStatus(codes.Error, "exhausted")
	return "", false
}

func (c *Client) attempt(ctx context.Context, snap *registrySnapshot, cand Candidate, call callFunc) (out string, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("endpoint panic: %v", r)
		}
	}()

	ep, err := snap.endpoint(ctx, cand.Endpoint)
	if err != nil {
		return "", &CallError{Kind: ErrKindConfig, Err: err}
	}
	out, err = call(ctx, ep, cand.Model)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyContent
	}
	return out, nil
}

func errUnsupported(ep Endpoint, capability string) error {
	return &CallError{Kind: ErrKindConfig, Err: fmt.Errorf("endpoint kind %s cannot serve %s", ep.Kind(), capability)}
}
