package bus

import "github.com/dotsetgreg/dotchat/pkg/history"

type EventKind string

const (
	EventMessage EventKind = "message"
	EventRecall  EventKind = "recall"
)

// InboundMessage is a platform event handed to the agent loop. Message is set
// for EventMessage; MessageID names the recalled message for EventRecall.
type InboundMessage struct {
	Kind        EventKind
	Channel     string
	ChatID      string
	ChatName    string
	MemberCount int
	Message     history.Message
	MessageID   string
}

// ConversationID is the history key for the event.
func (m InboundMessage) ConversationID() string {
	return ConversationKey(m.Channel, m.ChatID)
}

// ConversationKey namespaces a platform chat id by channel so conversations
// from different platforms never share a record.
func ConversationKey(channel, chatID string) string {
	return channel + ":" + chatID
}

type OutboundKind string

const (
	OutboundText  OutboundKind = "text"
	OutboundImage OutboundKind = "image"
	OutboundFile  OutboundKind = "file"
)

// OutboundMessage is one sendable unit. Content holds the text for
// OutboundText and the image URL for OutboundImage; files carry Data.
type OutboundMessage struct {
	ID       string
	Kind     OutboundKind
	Channel  string
	ChatID   string
	Content  string
	FileName string
	Data     []byte
	ReplyTo  string
}

// AckKind is the acknowledgment shown on a trigger message.
type AckKind string

const (
	// AckDeclined marks an addressed message the bot chose not to answer.
	AckDeclined AckKind = "declined"
	// AckThinking is shown before a deep reasoning pass.
	AckThinking AckKind = "thinking"
)
