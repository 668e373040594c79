package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/settings"
)

// maxAuxiliaryCalls bounds concurrent vision and search sub-calls per run.
const maxAuxiliaryCalls = 4

var ErrMalformedResponse = errors.New("malformed response")

type SegmentKind string

const (
	SegmentText     SegmentKind = "text"
	SegmentImage    SegmentKind = "image"
	SegmentFile     SegmentKind = "file"
	SegmentTemplate SegmentKind = "template"
)

// Segment is one unit of a generated reply.
type Segment struct {
	Kind     SegmentKind
	Content  string
	FileName string
}

// Provider is the subset of the provider client the pipeline calls.
type Provider interface {
	Has(capability string) bool
	Invoke(ctx context.Context, capability string, messages []providers.Message) (string, bool)
	InvokeImageSynthesis(ctx context.Context, capability, prompt string) (string, bool)
	Describe(ctx context.Context, capability, prompt string, image []byte, mime string) (string, bool)
	Search(ctx context.Context, capability, query string) (string, bool)
}

type Generator struct {
	provider Provider
	prompts  *Prompts
}

func NewGenerator(provider Provider, prompts *Prompts) *Generator {
	return &Generator{provider: provider, prompts: prompts}
}

// Hooks carry the side channels Generate needs from the run.
type Hooks struct {
	// Fetch resolves image references for description.
	Fetch FetchFunc
	// Thinking is called once before a deep reasoning pass starts.
	Thinking func()
}

type imageNote struct {
	id   string
	text string
}

// Generate gathers auxiliary material, calls the chat route once and parses
// its reply. Any failure yields an empty list.
func (g *Generator) Generate(ctx context.Context, c Context, j Judgment, s settings.Settings, hooks Hooks) []Segment {
	notes, findings := g.auxiliary(ctx, c, j, hooks.Fetch)

	var reasoning string
	if j.Think && g.provider.Has(providers.CapabilityThink) {
		if hooks.Thinking != nil {
			hooks.Thinking()
		}
		msgs := append([]providers.Message{{Role: providers.RoleSystem, Content: g.prompts.Think}}, c.Messages...)
		if out, ok := g.provider.Invoke(ctx, providers.CapabilityThink, msgs); ok {
			reasoning = strings.TrimSpace(out)
		}
	}

	msgs := g.payload(c, notes, findings, reasoning, s.Prompt)
	out, ok := g.provider.Invoke(ctx, providers.CapabilityChat, msgs)
	if !ok {
		logger.WarnCF("agent", "No chat provider produced a reply", map[string]any{
			"conversation": c.Trigger.ConversationID,
		})
		return nil
	}
	segs, err := ParseResponse(out)
	if err != nil {
		logger.WarnCF("agent", "Discarding reply", map[string]any{
			"conversation": c.Trigger.ConversationID,
			"error":        err.Error(),
		})
		return nil
	}
	return segs
}

// auxiliary runs the image description and search sub-calls together. Each
// result keeps the position of its request; failures leave an empty slot.
func (g *Generator) auxiliary(ctx context.Context, c Context, j Judgment, fetch FetchFunc) ([]imageNote, []string) {
	var ids []string
	if len(j.Images) > 0 && fetch != nil && g.provider.Has(providers.CapabilityVision) {
		for id := range j.Images {
			ids = append(ids, id)
		}
		slices.SortFunc(ids, comparePlaceholders)
	}
	var queries []string
	if g.provider.Has(providers.CapabilitySearch) {
		queries = j.Search
	}

	notes := make([]imageNote, len(ids))
	findings := make([]string, len(queries))

	var eg errgroup.Group
	eg.SetLimit(maxAuxiliaryCalls)
	for i, id := range ids {
		eg.Go(func() error {
			defer recoverAuxiliary("vision", id)
			ref, ok := c.Images.Ref(id)
			if !ok {
				return nil
			}
			data, mimeType, err := fetch(ctx, ref)
			if err != nil {
				logger.WarnCF("agent", "Image fetch failed", map[string]any{"image": id, "error": err.Error()})
				return nil
			}
			prompt := "Describe this image. Focus on: " + j.Images[id]
			if text, ok := g.provider.Describe(ctx, providers.CapabilityVision, prompt, data, mimeType); ok {
				notes[i] = imageNote{id: id, text: strings.TrimSpace(text)}
			}
			return nil
		})
	}
	for i, q := range queries {
		eg.Go(func() error {
			defer recoverAuxiliary("search", q)
			if text, ok := g.provider.Search(ctx, providers.CapabilitySearch, q); ok {
				findings[i] = fmt.Sprintf("%s:\n%s", q, strings.TrimSpace(text))
			}
			return nil
		})
	}
	_ = eg.Wait()

	notes = slices.DeleteFunc(notes, func(n imageNote) bool { return n.text == "" })
	findings = slices.DeleteFunc(findings, func(f string) bool { return f == "" })
	return notes, findings
}

func recoverAuxiliary(kind, item string) {
	if r := recover(); r != nil {
		logger.ErrorCF("agent", "Auxiliary call panicked", map[string]any{
			"kind":  kind,
			"item":  item,
			"panic": fmt.Sprint(r),
		})
	}
}

func comparePlaceholders(a, b string) int {
	na, errA := strconv.Atoi(strings.TrimLeft(strings.TrimSpace(strings.TrimPrefix(a, "image")), "# "))
	nb, errB := strconv.Atoi(strings.TrimLeft(strings.TrimSpace(strings.TrimPrefix(b, "image")), "# "))
	if errA == nil && errB == nil && na != nb {
		return na - nb
	}
	return strings.Compare(a, b)
}

func (g *Generator) payload(c Context, notes []imageNote, findings []string, reasoning, custom string) []providers.Message {
	msgs := []providers.Message{{Role: providers.RoleSystem, Content: g.prompts.Chat}}
	if len(notes) > 0 {
		var sb strings.Builder
		sb.WriteString("Image descriptions:")
		for _, n := range notes {
			fmt.Fprintf(&sb, "\n[image #%s] %s", strings.TrimLeft(n.id, "#"), n.text)
		}
		msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: sb.String()})
	}
	if len(findings) > 0 {
		msgs = append(msgs, providers.Message{
			Role:    providers.RoleSystem,
			Content: "Reference information from a web search:\n\n" + strings.Join(findings, "\n\n"),
		})
	}
	if reasoning != "" {
		msgs = append(msgs, providers.Message{
			Role:    providers.RoleSystem,
			Content: "Your private reasoning about this message:\n" + reasoning,
		})
	}
	msgs = append(msgs, providers.Message{
		Role:    providers.RoleSystem,
		Content: "Current time: " + c.Meta.Now.In(c.Meta.Location).Format(timestampLayout) + ".",
	})
	if p := strings.TrimSpace(custom); p != "" {
		msgs = append(msgs, providers.Message{
			Role:    providers.RoleSystem,
			Content: "Additional instructions for this conversation:\n" + p,
		})
	}
	return append(msgs, c.Messages...)
}

type rawSegment struct {
	Type     *string `json:"type"`
	Content  *string `json:"content"`
	FileName string  `json:"filename"`
}

// ParseResponse decodes the chat model's JSON array. Any element that does
// not fit the schema rejects the whole reply.
func ParseResponse(raw string) ([]Segment, error) {
	body := stripCodeFence(raw)
	if !strings.HasPrefix(body, "[") {
		return nil, fmt.Errorf("%w: not a JSON array", ErrMalformedResponse)
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	segs := make([]Segment, 0, len(items))
	for i, item := range items {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			segs = append(segs, Segment{Kind: SegmentText, Content: text})
			continue
		}
		var r rawSegment
		if err := json.Unmarshal(item, &r); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrMalformedResponse, i, err)
		}
		if r.Type == nil || r.Content == nil {
			return nil, fmt.Errorf("%w: element %d needs type and content", ErrMalformedResponse, i)
		}
		seg := Segment{Content: *r.Content}
		switch *r.Type {
		case "text":
			seg.Kind = SegmentText
		case "image":
			seg.Kind = SegmentImage
		case "template", "fstring":
			seg.Kind = SegmentTemplate
		case "file":
			if strings.TrimSpace(r.FileName) == "" {
				return nil, fmt.Errorf("%w: element %d: file needs a filename", ErrMalformedResponse, i)
			}
			seg.Kind = SegmentFile
			seg.FileName = r.FileName
		default:
			return nil, fmt.Errorf("%w: element %d: unknown type %q", ErrMalformedResponse, i, *r.Type)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
