// DotChat - Group chat reply pipeline
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/settings"
)

const backfillTimeout = 10 * time.Second

// Reloader re-reads provider routes.
type Reloader interface {
	Reload() error
}

// Deps are the collaborators of an AgentLoop.
type Deps struct {
	Config    *config.Config
	Bus       *bus.MessageBus
	History   *history.Store
	Settings  settings.Store
	Provider  Provider
	Reloader  Reloader
	Transport Transport
	Renderer  Renderer
	// Prompts defaults to the built-in guidance.
	Prompts *Prompts
}

type AgentLoop struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	history    *history.Store
	settings   settings.Store
	provider   Provider
	reloader   Reloader
	transport  Transport
	builder    *ContextBuilder
	gate       *Gate
	generator  *Generator
	dispatcher *Dispatcher
	echo       *echoer
	tracer     trace.Tracer
	running    atomic.Bool
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	pending  map[string]bus.InboundMessage // latest addressed trigger per busy conversation
	wg       sync.WaitGroup
}

func NewAgentLoop(d Deps) (*AgentLoop, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("agent: config is required")
	case d.Bus == nil:
		return nil, errors.New("agent: message bus is required")
	case d.History == nil:
		return nil, errors.New("agent: history store is required")
	case d.Settings == nil:
		return nil, errors.New("agent: settings store is required")
	case d.Provider == nil:
		return nil, errors.New("agent: provider is required")
	case d.Transport == nil:
		return nil, errors.New("agent: transport is required")
	case d.Renderer == nil:
		return nil, errors.New("agent: template renderer is required")
	}
	prompts := d.Prompts
	if prompts == nil {
		prompts = DefaultPrompts()
	}

	return &AgentLoop{
		cfg:        d.Config,
		bus:        d.Bus,
		history:    d.History,
		settings:   d.Settings,
		provider:   d.Provider,
		reloader:   d.Reloader,
		transport:  d.Transport,
		builder:    NewContextBuilder(d.Config.History.MaxReplyDepth, d.Config.History.InlineFileLimit),
		gate:       NewGate(d.Provider, prompts),
		generator:  NewGenerator(d.Provider, prompts),
		dispatcher: NewDispatcher(d.Provider, d.Renderer, d.Transport),
		echo:       newEchoer(),
		tracer:     otel.Tracer("github.com/dotsetgreg/dotchat/pkg/agent"),
		now:        time.Now,
		inflight:   make(map[string]bool),
		pending:    make(map[string]bus.InboundMessage),
	}, nil
}

// Run consumes inbound events until ctx is done or the bus closes, then
// waits for the pipeline runs it started.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	defer al.wg.Wait()

	for al.running.Load() {
		ev, ok := al.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		switch ev.Kind {
		case bus.EventRecall:
			al.OnMessageRecalled(ev.ConversationID(), ev.MessageID)
		case bus.EventMessage:
			al.OnInboundMessage(ctx, ev)
		}
	}
	return nil
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

// Wait blocks until every pipeline run started so far has finished.
func (al *AgentLoop) Wait() {
	al.wg.Wait()
}

// OnInboundMessage records a message and, when it qualifies, starts a
// pipeline run for it in the background.
func (al *AgentLoop) OnInboundMessage(ctx context.Context, ev bus.InboundMessage) {
	msg := ev.Message
	if msg.ConversationID == "" {
		msg.ConversationID = ev.ConversationID()
	}
	msg.SenderIsModerator = msg.SenderIsModerator || al.cfg.IsModerator(msg.SenderID)
	ev.Message = msg

	al.backfill(ctx, ev)
	if !al.history.Append(msg) {
		return
	}
	if msg.FromSelf || msg.FromBot {
		return
	}

	target := Target{Channel: ev.Channel, ChatID: ev.ChatID}

	if reply, ok := al.handleCommand(ctx, ev); ok {
		al.bus.PublishOutbound(bus.OutboundMessage{
			ID:      uuid.NewString(),
			Kind:    bus.OutboundText,
			Channel: target.Channel,
			ChatID:  target.ChatID,
			Content: reply,
			ReplyTo: msg.ID,
		})
		return
	}

	if al.cfg.Bot.EchoEnabled {
		out, n, ok := al.echo.decide(al.history.Snapshot(msg.ConversationID), target)
		if ok {
			al.spawn(func() {
				if !sleepCtx(ctx, al.cfg.EchoDelay()) {
					return
				}
				out.ID = uuid.NewString()
				logger.InfoCF("agent", "Echoing repeated message", map[string]any{
					"conversation": msg.ConversationID,
					"repeats":      n,
				})
				al.bus.PublishOutbound(out)
			})
		}
		if n >= 2 {
			return
		}
	}

	s, err := al.settings.Get(ctx, msg.ConversationID)
	if err != nil {
		logger.ErrorCF("agent", "Failed to load conversation settings", map[string]any{
			"conversation": msg.ConversationID,
			"error":        err.Error(),
		})
		return
	}
	if !PreCheck(msg, s) {
		return
	}
	if !al.tryAcquire(msg.ConversationID) {
		if msg.ToMe {
			al.queueAddressed(ctx, ev, target)
			return
		}
		logger.DebugCF("agent", "Run in progress, message recorded only", map[string]any{
			"conversation": msg.ConversationID,
			"message_id":   msg.ID,
		})
		return
	}
	al.startRun(ctx, ev)
}

// queueAddressed parks an addressed trigger behind the running pipeline.
// Only the latest one is kept; the one it replaces is acknowledged as declined.
func (al *AgentLoop) queueAddressed(ctx context.Context, ev bus.InboundMessage, target Target) {
	conv := ev.Message.ConversationID
	al.mu.Lock()
	prev, replaced := al.pending[conv]
	al.pending[conv] = ev
	al.mu.Unlock()

	logger.DebugCF("agent", "Run in progress, addressed message queued", map[string]any{
		"conversation": conv,
		"message_id":   ev.Message.ID,
	})
	if replaced {
		al.dispatcher.acknowledge(ctx, target, prev.Message.ID, bus.AckDeclined)
	}
}

// startRun runs the pipeline for ev in the background. The conversation's
// slot must already be held.
func (al *AgentLoop) startRun(ctx context.Context, ev bus.InboundMessage) {
	conv := ev.Message.ConversationID
	al.spawn(func() {
		defer al.release(ctx, conv)
		al.EvaluateAndRespond(ctx, ev)
	})
}

// OnMessageRecalled removes a deleted message from history. A pipeline run
// that has not sent its reply yet will notice and abort.
func (al *AgentLoop) OnMessageRecalled(conversationID, messageID string) {
	if al.history.Delete(conversationID, messageID) {
		logger.DebugCF("agent", "Message recalled", map[string]any{
			"conversation": conversationID,
			"message_id":   messageID,
		})
	}
}

// EvaluateAndRespond runs the decision pipeline for one trigger message and
// sends the reply, if any. It returns the number of messages sent.
func (al *AgentLoop) EvaluateAndRespond(ctx context.Context, ev bus.InboundMessage) int {
	trigger := ev.Message
	conv := trigger.ConversationID
	if conv == "" {
		conv = ev.ConversationID()
		trigger.ConversationID = conv
	}
	runID := uuid.NewString()

	ctx, span := al.tracer.Start(ctx, "agent.evaluate", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("conversation", conv),
		attribute.String("message_id", trigger.ID),
		attribute.Bool("addressed", trigger.ToMe),
	))
	defer span.End()

	s, err := al.settings.Get(ctx, conv)
	if err != nil {
		logger.ErrorCF("agent", "Failed to load conversation settings", map[string]any{
			"run_id":       runID,
			"conversation": conv,
			"error":        err.Error(),
		})
		return 0
	}
	if !PreCheck(trigger, s) {
		return 0
	}

	snap := al.history.Snapshot(conv)
	if !snap.Contains(trigger.ID) {
		return 0
	}
	target := Target{Channel: ev.Channel, ChatID: ev.ChatID}
	fetch := al.fetcher(ev.Channel)
	stillPresent := func() bool { return al.history.Contains(conv, trigger.ID) }

	c := al.builder.Build(ctx, snap, trigger, s, Meta{
		BotName:     al.cfg.Bot.Name,
		ChatName:    ev.ChatName,
		MemberCount: ev.MemberCount,
		Now:         al.now(),
		Location:    al.cfg.Location(),
	}, fetch)

	decision := al.gate.Evaluate(ctx, c, s, stillPresent)
	span.SetAttributes(
		attribute.Bool("judged", decision.Judged),
		attribute.Int("desire", decision.Judgment.Desire),
		attribute.Int("threshold", decision.Threshold),
		attribute.Bool("proceed", decision.Proceed),
	)
	if !decision.Proceed {
		if decision.Acknowledge {
			al.dispatcher.acknowledge(ctx, target, trigger.ID, bus.AckDeclined)
		}
		return 0
	}

	logger.InfoCF("agent", "Generating reply", map[string]any{
		"run_id":       runID,
		"conversation": conv,
		"message_id":   trigger.ID,
	})
	segs := al.generator.Generate(ctx, c, decision.Judgment, s, Hooks{
		Fetch: fetch,
		Thinking: func() {
			al.dispatcher.acknowledge(ctx, target, trigger.ID, bus.AckThinking)
		},
	})

	sent := al.dispatcher.Dispatch(ctx, target, trigger, segs, s.ReplyInterval, stillPresent)
	span.SetAttributes(attribute.Int("sent", sent))
	logger.InfoCF("agent", "Run finished", map[string]any{
		"run_id":       runID,
		"conversation": conv,
		"segments":     len(segs),
		"sent":         sent,
	})
	return sent
}

// ReloadProviders re-reads the provider routes. On failure the previous
// routes stay in effect.
func (al *AgentLoop) ReloadProviders() error {
	if al.reloader == nil {
		return errors.New("provider reload is not configured")
	}
	if err := al.reloader.Reload(); err != nil {
		return fmt.Errorf("reload providers: %w", err)
	}
	return nil
}

// Status summarizes the loop for the status endpoint.
func (al *AgentLoop) Status() map[string]any {
	al.mu.Lock()
	running := len(al.inflight)
	al.mu.Unlock()
	return map[string]any{
		"running":       al.running.Load(),
		"active_runs":   running,
		"conversations": len(al.history.Conversations()),
	}
}

func (al *AgentLoop) backfill(ctx context.Context, ev bus.InboundMessage) {
	limit := al.cfg.Channels.Discord.Backfill
	conv := ev.Message.ConversationID
	if limit <= 0 || !al.history.MarkBackfilled(conv) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, backfillTimeout)
	defer cancel()
	msgs, err := al.transport.History(ctx, ev.Channel, ev.ChatID, ev.Message.ID, limit)
	if err != nil {
		logger.WarnCF("agent", "History backfill failed", map[string]any{
			"conversation": conv,
			"error":        err.Error(),
		})
		return
	}
	for _, m := range msgs {
		m.ConversationID = conv
		al.history.Append(m)
	}
	logger.DebugCF("agent", "History backfilled", map[string]any{
		"conversation": conv,
		"messages":     len(msgs),
	})
}

func (al *AgentLoop) fetcher(channel string) FetchFunc {
	return func(ctx context.Context, ref string) ([]byte, string, error) {
		return al.transport.Fetch(ctx, channel, ref)
	}
}

func (al *AgentLoop) tryAcquire(conv string) bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.inflight[conv] {
		return false
	}
	al.inflight[conv] = true
	return true
}

// release hands the conversation's slot to its queued trigger, if any, and
// frees it otherwise.
func (al *AgentLoop) release(ctx context.Context, conv string) {
	al.mu.Lock()
	next, ok := al.pending[conv]
	delete(al.pending, conv)
	if !ok || ctx.Err() != nil {
		delete(al.inflight, conv)
		al.mu.Unlock()
		return
	}
	al.mu.Unlock()
	al.startRun(ctx, next)
}

func (al *AgentLoop) spawn(fn func()) {
	al.wg.Add(1)
	go func() {
		defer al.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorCF("agent", "Pipeline run panicked", map[string]any{"panic": fmt.Sprint(r)})
			}
		}()
		fn()
	}()
}
