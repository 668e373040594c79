package agent

import (
	"math/rand/v2"
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/history"
)

// echoRun measures the trailing run of identical messages in snap, newest
// first, stopping at a different message or at one the bot sent. joined
// reports that the walk reached a bot message, in which case the bot does
// not repeat the run.
func echoRun(snap history.Snapshot) (last history.Message, n int, joined bool) {
	var content string
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		msg := snap.Messages[i]
		if msg.FromSelf {
			return last, n, true
		}
		if n == 0 {
			last, content = msg, msg.RichText()
			n = 1
			continue
		}
		if msg.RichText() != content {
			break
		}
		n++
	}
	return last, n, false
}

// EchoProbability is the chance of joining a run of n repeats.
func EchoProbability(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n-1) / float64(n+1)
}

type echoer struct {
	chance func() float64
}

func newEchoer() *echoer {
	return &echoer{chance: rand.Float64}
}

// decide reports the run length and, when the bot should join in, the
// message to send.
func (e *echoer) decide(snap history.Snapshot, target Target) (bus.OutboundMessage, int, bool) {
	if snap.RepeatRun < 2 {
		return bus.OutboundMessage{}, snap.RepeatRun, false
	}
	msg, n, joined := echoRun(snap)
	if joined || n < 2 {
		return bus.OutboundMessage{}, n, false
	}
	out, ok := echoMessage(msg, target)
	if !ok || e.chance() >= EchoProbability(n) {
		return bus.OutboundMessage{}, n, false
	}
	return out, n, true
}

// echoMessage copies text-only or single-image content. Anything else is
// not repeated.
func echoMessage(msg history.Message, target Target) (bus.OutboundMessage, bool) {
	out := bus.OutboundMessage{Channel: target.Channel, ChatID: target.ChatID}
	if imgs := msg.Images(); len(imgs) == 1 && len(msg.Segments) == 1 {
		out.Kind = bus.OutboundImage
		out.Content = imgs[0].Ref
		return out, out.Content != ""
	}
	var sb strings.Builder
	for _, seg := range msg.Segments {
		switch seg.Kind {
		case history.KindText:
			sb.WriteString(seg.Text)
		case history.KindMention:
			if seg.Everyone {
				sb.WriteString("@everyone")
			} else {
				sb.WriteString("@" + seg.Name)
			}
		default:
			return bus.OutboundMessage{}, false
		}
	}
	out.Kind = bus.OutboundText
	out.Content = sb.String()
	return out, strings.TrimSpace(out.Content) != ""
}
