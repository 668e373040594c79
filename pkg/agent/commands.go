package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/settings"
)

const chatHelp = `/chat.clear: forget the conversation so far
/chat.prompt [text]: show or set the conversation prompt
/chat.prompt.clear: remove the conversation prompt
/chat.level [disabled|at|all]: show or set when the bot may reply (moderators)
/chat.keywords [word ...|-]: show, set or clear the keyword watch-list (moderators)
/chat.reload: reload provider routes (moderators)`

// handleCommand runs a /chat command carried by ev. It reports false when
// the message is not a command.
func (al *AgentLoop) handleCommand(ctx context.Context, ev bus.InboundMessage) (string, bool) {
	content := strings.TrimSpace(ev.Message.PlainText())
	if !strings.HasPrefix(content, "/chat") {
		return "", false
	}

	cmd, rest, _ := strings.Cut(content, " ")
	if i := strings.IndexAny(cmd, "\n\t"); i >= 0 {
		rest = cmd[i+1:] + " " + rest
		cmd = cmd[:i]
	}
	args := strings.TrimSpace(rest)
	msg := ev.Message
	conv := msg.ConversationID

	switch cmd {
	case "/chat":
		return chatHelp, true

	case "/chat.clear":
		if _, err := al.markCleared(ctx, conv, msg); err != nil {
			return fmt.Sprintf("Failed to clear: %v", err), true
		}
		return "Cleared.", true

	case "/chat.prompt":
		s, err := al.markCleared(ctx, conv, msg)
		if err != nil {
			return fmt.Sprintf("Failed to update settings: %v", err), true
		}
		if args == "" {
			return "Current conversation prompt:\n" + s.Prompt, true
		}
		if _, err := al.settings.Update(ctx, conv, func(s *settings.Settings) { s.Prompt = args }); err != nil {
			return fmt.Sprintf("Failed to set prompt: %v", err), true
		}
		return "Prompt set.", true

	case "/chat.prompt.clear":
		if _, err := al.settings.Update(ctx, conv, func(s *settings.Settings) {
			s.Prompt = ""
			s.ClearedAt = msg.ID
			s.ClearedTime = msg.Timestamp
		}); err != nil {
			return fmt.Sprintf("Failed to clear prompt: %v", err), true
		}
		return "Prompt cleared.", true

	case "/chat.level":
		if args == "" {
			s, err := al.settings.Get(ctx, conv)
			if err != nil {
				return fmt.Sprintf("Failed to read settings: %v", err), true
			}
			return "Response level: " + s.ResponseLevel, true
		}
		if !al.isModerator(msg.SenderID, msg.SenderIsModerator) {
			return "Only moderators can change the response level.", true
		}
		if !config.ValidResponseLevel(args) {
			return "Usage: /chat.level [disabled|at|all]", true
		}
		if _, err := al.settings.Update(ctx, conv, func(s *settings.Settings) { s.ResponseLevel = args }); err != nil {
			return fmt.Sprintf("Failed to set response level: %v", err), true
		}
		return "Response level set to " + args + ".", true

	case "/chat.keywords":
		if args == "" {
			s, err := al.settings.Get(ctx, conv)
			if err != nil {
				return fmt.Sprintf("Failed to read settings: %v", err), true
			}
			if len(s.Keywords) == 0 {
				return "No keywords are watched.", true
			}
			return "Watched keywords: " + strings.Join(s.Keywords, ", "), true
		}
		if !al.isModerator(msg.SenderID, msg.SenderIsModerator) {
			return "Only moderators can change keywords.", true
		}
		words := strings.Fields(args)
		if len(words) == 1 && words[0] == "-" {
			words = nil
		}
		if _, err := al.settings.Update(ctx, conv, func(s *settings.Settings) { s.Keywords = words }); err != nil {
			return fmt.Sprintf("Failed to set keywords: %v", err), true
		}
		if len(words) == 0 {
			return "Keyword watch-list cleared.", true
		}
		return fmt.Sprintf("Watching %d keywords.", len(words)), true

	case "/chat.reload":
		if !al.isModerator(msg.SenderID, msg.SenderIsModerator) {
			return "Only moderators can reload providers.", true
		}
		if err := al.ReloadProviders(); err != nil {
			logger.ErrorCF("agent", "Provider reload failed", map[string]any{"error": err.Error()})
			return fmt.Sprintf("Failed: %v", err), true
		}
		return "Providers reloaded.", true
	}

	return "", false
}

func (al *AgentLoop) markCleared(ctx context.Context, conv string, msg history.Message) (settings.Settings, error) {
	return al.settings.Update(ctx, conv, func(s *settings.Settings) {
		s.ClearedAt = msg.ID
		s.ClearedTime = msg.Timestamp
	})
}

func (al *AgentLoop) isModerator(senderID string, flagged bool) bool {
	return flagged || (al.cfg != nil && al.cfg.IsModerator(senderID))
}
