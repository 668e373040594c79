package agent

import (
	"context"
	"strings"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/providers"
)

// Transport is the platform side of a conversation. channels.Manager
// implements it.
type Transport interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
	Acknowledge(ctx context.Context, channel, chatID, messageID string, ack bus.AckKind) error
	Fetch(ctx context.Context, channel, ref string) ([]byte, string, error)
	History(ctx context.Context, channel, chatID, beforeID string, limit int) ([]history.Message, error)
}

// Renderer evaluates template segments.
type Renderer interface {
	Render(ctx context.Context, source string) (string, error)
}

// Target addresses the conversation a reply goes to.
type Target struct {
	Channel string
	ChatID  string
}

type Dispatcher struct {
	provider  Provider
	renderer  Renderer
	transport Transport
}

func NewDispatcher(provider Provider, renderer Renderer, transport Transport) *Dispatcher {
	return &Dispatcher{provider: provider, renderer: renderer, transport: transport}
}

// Resolve turns reply segments into sendable messages. Segments that fail
// or come out empty are dropped.
func (d *Dispatcher) Resolve(ctx context.Context, target Target, segs []Segment) []bus.OutboundMessage {
	var out []bus.OutboundMessage
	for _, seg := range segs {
		msg := bus.OutboundMessage{Channel: target.Channel, ChatID: target.ChatID}
		switch seg.Kind {
		case SegmentText:
			msg.Kind = bus.OutboundText
			msg.Content = trimFinalStop(strings.TrimSpace(seg.Content))
		case SegmentTemplate:
			text, err := d.renderer.Render(ctx, seg.Content)
			if err != nil {
				logger.WarnCF("agent", "Template segment dropped", map[string]any{
					"template": seg.Content,
					"error":    err.Error(),
				})
				continue
			}
			msg.Kind = bus.OutboundText
			msg.Content = strings.TrimSpace(text)
		case SegmentImage:
			if strings.TrimSpace(seg.Content) == "" || !d.provider.Has(providers.CapabilityImage) {
				continue
			}
			url, ok := d.provider.InvokeImageSynthesis(ctx, providers.CapabilityImage, seg.Content)
			if !ok {
				continue
			}
			msg.Kind = bus.OutboundImage
			msg.Content = url
		case SegmentFile:
			if seg.Content == "" {
				continue
			}
			msg.Kind = bus.OutboundFile
			msg.FileName = seg.FileName
			msg.Data = []byte(seg.Content)
		default:
			continue
		}
		if msg.Kind != bus.OutboundFile && msg.Content == "" {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// trimFinalStop drops one trailing full stop.
func trimFinalStop(s string) string {
	if t, ok := strings.CutSuffix(s, "。"); ok {
		return t
	}
	if strings.HasSuffix(s, "..") {
		return s
	}
	return strings.TrimSuffix(s, ".")
}

// Dispatch resolves segs and sends them one by one, interval apart. The
// first message replies to the trigger when it is text. A reply that
// resolves to nothing is acknowledged instead; a recalled trigger aborts
// silently. It returns the number of messages sent.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, trigger history.Message, segs []Segment, interval time.Duration, stillPresent func() bool) int {
	units := d.Resolve(ctx, target, segs)

	if stillPresent != nil && !stillPresent() {
		logger.InfoCF("agent", "Trigger recalled, reply dropped", map[string]any{
			"conversation": trigger.ConversationID,
			"message_id":   trigger.ID,
		})
		return 0
	}
	if len(units) == 0 {
		d.acknowledge(ctx, target, trigger.ID, bus.AckDeclined)
		return 0
	}

	sent := 0
	for i, msg := range units {
		if i > 0 && !sleepCtx(ctx, interval) {
			break
		}
		if i == 0 && msg.Kind == bus.OutboundText {
			msg.ReplyTo = trigger.ID
		}
		if err := d.transport.Send(ctx, msg); err != nil {
			logger.ErrorCF("agent", "Send failed", map[string]any{
				"channel": target.Channel,
				"chat_id": target.ChatID,
				"kind":    string(msg.Kind),
				"error":   err.Error(),
			})
			continue
		}
		sent++
	}
	return sent
}

func (d *Dispatcher) acknowledge(ctx context.Context, target Target, messageID string, ack bus.AckKind) {
	if err := d.transport.Acknowledge(ctx, target.Channel, target.ChatID, messageID, ack); err != nil {
		logger.DebugCF("agent", "Acknowledgment failed", map[string]any{
			"message_id": messageID,
			"ack":        string(ack),
			"error":      err.Error(),
		})
	}
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
