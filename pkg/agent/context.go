package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/settings"
)

const timestampLayout = "2006-01-02 15:04:05"

// FetchFunc downloads an image or file reference from the conversation's
// platform.
type FetchFunc func(ctx context.Context, ref string) ([]byte, string, error)

// Meta describes the conversation a context is built for.
type Meta struct {
	BotName     string
	ChatName    string
	MemberCount int
	Now         time.Time
	Location    *time.Location
}

// ImageTable numbers the images seen during one run. The same reference
// always gets the same number.
type ImageTable struct {
	refs  []string
	index map[string]int
}

func NewImageTable() *ImageTable {
	return &ImageTable{index: make(map[string]int)}
}

// ID returns the 1-based number for ref, assigning the next one if needed.
func (t *ImageTable) ID(ref string) int {
	if id, ok := t.index[ref]; ok {
		return id
	}
	t.refs = append(t.refs, ref)
	id := len(t.refs)
	t.index[ref] = id
	return id
}

// Ref resolves a placeholder id. It accepts "3", "#3" and "image #3".
func (t *ImageTable) Ref(placeholder string) (string, bool) {
	digits := strings.TrimSpace(placeholder)
	digits = strings.TrimPrefix(digits, "image")
	digits = strings.TrimSpace(digits)
	digits = strings.TrimPrefix(digits, "#")
	id, err := strconv.Atoi(digits)
	if err != nil || id < 1 || id > len(t.refs) {
		return "", false
	}
	return t.refs[id-1], true
}

func (t *ImageTable) Len() int {
	return len(t.refs)
}

// Context is the assembled view of a conversation for one pipeline run.
type Context struct {
	Trigger history.Message
	// NewMessages holds the trigger followed by its reply ancestors.
	NewMessages []string
	// History holds earlier messages, oldest first.
	History  []string
	Images   *ImageTable
	Meta     Meta
	Messages []providers.Message
}

type ContextBuilder struct {
	maxReplyDepth   int
	inlineFileLimit int
}

func NewContextBuilder(maxReplyDepth, inlineFileLimit int) *ContextBuilder {
	if maxReplyDepth <= 0 {
		maxReplyDepth = 10
	}
	return &ContextBuilder{
		maxReplyDepth:   maxReplyDepth,
		inlineFileLimit: inlineFileLimit,
	}
}

// Build renders the new-message block and the history block of snap around
// trigger. fetch may be nil, in which case files are never inlined.
func (cb *ContextBuilder) Build(ctx context.Context, snap history.Snapshot, trigger history.Message, s settings.Settings, meta Meta, fetch FetchFunc) Context {
	if meta.Location == nil {
		meta.Location = time.Local
	}
	if meta.Now.IsZero() {
		meta.Now = time.Now()
	}

	images := NewImageTable()
	c := Context{
		Trigger: trigger,
		Images:  images,
		Meta:    meta,
	}

	for _, msg := range cb.replyChain(snap, trigger) {
		c.NewMessages = append(c.NewMessages, cb.render(ctx, msg, images, meta.Location, fetch))
	}

	for _, msg := range historyWindow(snap, trigger.ID, s, s.MaxHistoryLength) {
		c.History = append(c.History, cb.render(ctx, msg, images, meta.Location, nil))
	}

	c.Messages = cb.messages(c)
	return c
}

// replyChain returns trigger and its resolvable ancestors, newest first. The
// walk stops on a missing ancestor, a cycle or the depth limit.
func (cb *ContextBuilder) replyChain(snap history.Snapshot, trigger history.Message) []history.Message {
	chain := []history.Message{trigger}
	visited := map[string]bool{trigger.ID: true}
	cur := trigger
	for depth := 0; depth < cb.maxReplyDepth; depth++ {
		parent, ok := snap.ResolveReplyTarget(cur)
		if !ok || visited[parent.ID] {
			break
		}
		visited[parent.ID] = true
		chain = append(chain, parent)
		cur = parent
	}
	return chain
}

// historyWindow walks backwards from the newest message, skipping the
// trigger, until the clear marker or limit is reached. The result is oldest
// first. A recalled marker still bounds the window through its timestamp.
func historyWindow(snap history.Snapshot, triggerID string, s settings.Settings, limit int) []history.Message {
	if limit <= 0 {
		return nil
	}
	var picked []history.Message
	for i := len(snap.Messages) - 1; i >= 0 && len(picked) < limit; i-- {
		msg := snap.Messages[i]
		if s.ClearedAt != "" && msg.ID == s.ClearedAt {
			break
		}
		if !s.ClearedTime.IsZero() && !msg.Timestamp.After(s.ClearedTime) {
			break
		}
		if msg.ID == triggerID {
			continue
		}
		picked = append(picked, msg)
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

func (cb *ContextBuilder) render(ctx context.Context, msg history.Message, images *ImageTable, loc *time.Location, fetch FetchFunc) string {
	var sb strings.Builder
	for _, seg := range msg.Segments {
		switch seg.Kind {
		case history.KindText:
			sb.WriteString(seg.Text)
		case history.KindMention:
			if seg.Everyone {
				sb.WriteString("@everyone")
			} else if seg.Name != "" {
				sb.WriteString("@" + seg.Name)
			} else {
				sb.WriteString("@" + seg.UserID)
			}
		case history.KindImage:
			fmt.Fprintf(&sb, "[image #%d]", images.ID(seg.Ref))
		case history.KindFile:
			sb.WriteString(cb.renderFile(ctx, seg, fetch))
		}
	}
	sender := msg.SenderName
	if sender == "" {
		sender = msg.SenderID
	}
	return fmt.Sprintf("[%s %s] %s", msg.Timestamp.In(loc).Format(timestampLayout), sender, sb.String())
}

func (cb *ContextBuilder) renderFile(ctx context.Context, seg history.Segment, fetch FetchFunc) string {
	label := "[file " + seg.Name + "]"
	if fetch == nil || cb.inlineFileLimit <= 0 || seg.Ref == "" {
		return label
	}
	if seg.Size > int64(cb.inlineFileLimit) {
		return label
	}
	data, contentType, err := fetch(ctx, seg.Ref)
	if err != nil {
		logger.DebugCF("agent", "File not inlined", map[string]any{
			"file":  seg.Name,
			"error": err.Error(),
		})
		return label
	}
	if len(data) > cb.inlineFileLimit || !isTextual(data, contentType) {
		return label
	}
	return label + "\n" + string(data)
}

func isTextual(data []byte, contentType string) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if strings.HasPrefix(mediaType, "text/") || mediaType == "application/json" {
			return utf8.Valid(data)
		}
	}
	return utf8.Valid(data) && !bytes.ContainsRune(data, 0)
}

func (cb *ContextBuilder) messages(c Context) []providers.Message {
	conversation := c.Meta.ChatName
	if conversation == "" {
		conversation = c.Trigger.ConversationID
	}
	return []providers.Message{
		{Role: providers.RoleUser, Content: "Your name is " + c.Meta.BotName + "."},
		{Role: providers.RoleUser, Content: fmt.Sprintf("You are in the conversation %q with %d members.", conversation, c.Meta.MemberCount)},
		{Role: providers.RoleUser, Content: "Current time: " + c.Meta.Now.In(c.Meta.Location).Format(timestampLayout) + "."},
		{Role: providers.RoleUser, Content: "History messages:\n" + jsonLines(c.History)},
		{Role: providers.RoleUser, Content: "New message and the messages it replies to, newest first:\n" + jsonLines(c.NewMessages)},
	}
}

// jsonLines encodes lines as a JSON array without HTML escaping.
func jsonLines(lines []string) string {
	if lines == nil {
		lines = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(lines); err != nil {
		return "[]"
	}
	return strings.TrimSpace(buf.String())
}
