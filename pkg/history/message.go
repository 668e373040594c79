package history

import (
	"strings"
	"time"
)

type SegmentKind string

const (
	KindText    SegmentKind = "text"
	KindMention SegmentKind = "mention"
	KindImage   SegmentKind = "image"
	KindFile    SegmentKind = "file"
)

// Segment is one piece of message content. Which fields are meaningful
// depends on Kind:
//
//	text:    Text
//	mention: UserID, Name, Everyone
//	image:   Ref, Summary
//	file:    Ref, Name, Size
type Segment struct {
	Kind     SegmentKind
	Text     string
	UserID   string
	Name     string
	Everyone bool
	Ref      string
	Summary  string
	Size     int64
}

func Text(s string) Segment {
	return Segment{Kind: KindText, Text: s}
}

func Mention(userID, name string) Segment {
	return Segment{Kind: KindMention, UserID: userID, Name: name}
}

func MentionEveryone() Segment {
	return Segment{Kind: KindMention, Everyone: true}
}

func Image(ref, summary string) Segment {
	return Segment{Kind: KindImage, Ref: ref, Summary: summary}
}

func File(ref, name string, size int64) Segment {
	return Segment{Kind: KindFile, Ref: ref, Name: name, Size: size}
}

// Message is a recorded chat message. It is never mutated after Append.
type Message struct {
	ID                string
	ConversationID    string
	SenderID          string
	SenderName        string
	SenderIsModerator bool
	// FromSelf marks messages the bot itself sent.
	FromSelf bool
	// FromBot marks messages from other automated accounts.
	FromBot bool
	// ToMe is set when the message directly addresses the bot (mention,
	// reply to one of its messages, or a private channel).
	ToMe      bool
	Timestamp time.Time
	Segments  []Segment
	ReplyTo   string
}

// PlainText concatenates the text segments only.
func (m Message) PlainText() string {
	var sb strings.Builder
	for _, seg := range m.Segments {
		if seg.Kind == KindText {
			sb.WriteString(seg.Text)
		}
	}
	return sb.String()
}

// RichText is the normalized rendering used to compare message content.
// Two messages with equal RichText are considered repeats of each other.
func (m Message) RichText() string {
	var sb strings.Builder
	for _, seg := range m.Segments {
		switch seg.Kind {
		case KindText:
			sb.WriteString(escapeRich(seg.Text))
		case KindMention:
			if seg.Everyone {
				sb.WriteString("[mention:all]")
			} else {
				sb.WriteString("[mention:" + seg.UserID + "]")
			}
		case KindImage:
			sb.WriteString("[image:" + seg.Ref + "]")
		case KindFile:
			sb.WriteString("[file:" + seg.Ref + "]")
		}
	}
	return sb.String()
}

// Images returns the image segments in order.
func (m Message) Images() []Segment {
	var out []Segment
	for _, seg := range m.Segments {
		if seg.Kind == KindImage {
			out = append(out, seg)
		}
	}
	return out
}

var richEscaper = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;")

func escapeRich(s string) string {
	return richEscaper.Replace(s)
}
