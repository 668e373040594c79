package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/providers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProvider answers each capability with a function. A nil function
// behaves like an exhausted route.
type fakeProvider struct {
	mu       sync.Mutex
	caps     map[string]bool
	calls    map[string]int
	invoke   func(capability string, msgs []providers.Message) (string, bool)
	describe func(prompt string, image []byte) (string, bool)
	search   func(query string) (string, bool)
	synth    func(prompt string) (string, bool)
}

func newFakeProvider(caps ...string) *fakeProvider {
	p := &fakeProvider{caps: make(map[string]bool), calls: make(map[string]int)}
	for _, c := range caps {
		p.caps[c] = true
	}
	return p
}

func (p *fakeProvider) count(capability string) {
	p.mu.Lock()
	p.calls[capability]++
	p.mu.Unlock()
}

func (p *fakeProvider) Calls(capability string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[capability]
}

func (p *fakeProvider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

func (p *fakeProvider) Has(capability string) bool {
	return p.caps[capability]
}

func (p *fakeProvider) Invoke(_ context.Context, capability string, msgs []providers.Message) (string, bool) {
	p.count(capability)
	if p.invoke == nil {
		return "", false
	}
	return p.invoke(capability, msgs)
}

func (p *fakeProvider) InvokeImageSynthesis(_ context.Context, capability, prompt string) (string, bool) {
	p.count(capability)
	if p.synth == nil {
		return "", false
	}
	return p.synth(prompt)
}

func (p *fakeProvider) Describe(_ context.Context, capability, prompt string, image []byte, _ string) (string, bool) {
	p.count(capability)
	if p.describe == nil {
		return "", false
	}
	return p.describe(prompt, image)
}

func (p *fakeProvider) Search(_ context.Context, capability, query string) (string, bool) {
	p.count(capability)
	if p.search == nil {
		return "", false
	}
	return p.search(query)
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []bus.OutboundMessage
	sentAt  []time.Time
	acks    []bus.AckKind
	files   map[string][]byte
	history []history.Message
	onSend  func(bus.OutboundMessage)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{files: make(map[string][]byte)}
}

func (t *fakeTransport) Send(_ context.Context, msg bus.OutboundMessage) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.sentAt = append(t.sentAt, time.Now())
	hook := t.onSend
	t.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (t *fakeTransport) Acknowledge(_ context.Context, _, _, _ string, ack bus.AckKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acks = append(t.acks, ack)
	return nil
}

func (t *fakeTransport) Fetch(_ context.Context, _, ref string) ([]byte, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.files[ref]
	if !ok {
		return nil, "", errors.New("not found: " + ref)
	}
	return data, "text/plain; charset=utf-8", nil
}

func (t *fakeTransport) History(context.Context, string, string, string, int) ([]history.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history, nil
}

func (t *fakeTransport) Sent() []bus.OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bus.OutboundMessage(nil), t.sent...)
}

func (t *fakeTransport) Acks() []bus.AckKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bus.AckKind(nil), t.acks...)
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// textMessage builds a message in conversation "test:c" sent minute
// minutes after baseTime.
func textMessage(id, sender, text string, minute int) history.Message {
	return history.Message{
		ID:             id,
		ConversationID: "test:c",
		SenderID:       sender,
		SenderName:     sender,
		Timestamp:      baseTime.Add(time.Duration(minute) * time.Minute),
		Segments:       []history.Segment{history.Text(text)},
	}
}

func addressed(msg history.Message) history.Message {
	msg.ToMe = true
	return msg
}
