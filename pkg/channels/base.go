package channels

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/history"
)

var (
	ErrNotRunning     = errors.New("channel not running")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrUnsupported    = errors.New("operation not supported by channel")
)

// Channel is a platform adapter. Inbound events go to the message bus;
// the agent calls back through Send, Acknowledge, Fetch and History.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	// Acknowledge marks messageID with a lightweight reaction. Failures are
	// reported but callers ignore them.
	Acknowledge(ctx context.Context, chatID, messageID string, ack bus.AckKind) error
	// Fetch downloads an image or file reference. It returns the payload and
	// its MIME type.
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
	// History returns up to limit messages that precede beforeID, oldest
	// first.
	History(ctx context.Context, chatID, beforeID string, limit int) ([]history.Message, error)
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, messageBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       messageBus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}

	return false
}

// HandleMessage publishes a received message. Messages sent by the bot
// itself bypass the allow list so they are always recorded.
func (c *BaseChannel) HandleMessage(chatID, chatName string, members int, msg history.Message) {
	if !msg.FromSelf && !c.IsAllowed(msg.SenderID) {
		return
	}
	msg.ConversationID = bus.ConversationKey(c.name, chatID)
	c.bus.PublishInbound(bus.InboundMessage{
		Kind:        bus.EventMessage,
		Channel:     c.name,
		ChatID:      chatID,
		ChatName:    chatName,
		MemberCount: members,
		Message:     msg,
	})
}

// HandleRecall publishes a deletion of messageID.
func (c *BaseChannel) HandleRecall(chatID, messageID string) {
	c.bus.PublishInbound(bus.InboundMessage{
		Kind:      bus.EventRecall,
		Channel:   c.name,
		ChatID:    chatID,
		MessageID: messageID,
	})
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
