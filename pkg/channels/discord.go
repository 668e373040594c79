package channels

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/logger"
)

const (
	sendTimeout      = 10 * time.Second
	maxFetchBytes    = 20 << 20
	discordPageLimit = 100
)

var (
	discordMentionPattern = regexp.MustCompile(`<@!?(\d+)>|@everyone|@here`)

	ackEmoji = map[bus.AckKind]string{
		bus.AckDeclined: "👀",
		bus.AckThinking: "🤔",
	}
)

type DiscordChannel struct {
	*BaseChannel
	session    *discordgo.Session
	config     config.DiscordConfig
	httpClient *http.Client
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", messageBus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(c.handleDelete)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}

	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return ErrNotRunning
	}
	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("channel ID is empty")
	}

	var sends []*discordgo.MessageSend
	switch msg.Kind {
	case bus.OutboundImage:
		send, err := imageMessage(msg.Content)
		if err != nil {
			return err
		}
		sends = append(sends, send)
	case bus.OutboundFile:
		name := msg.FileName
		if name == "" {
			name = "file.txt"
		}
		sends = append(sends, &discordgo.MessageSend{
			Files: []*discordgo.File{{Name: name, Reader: bytes.NewReader(msg.Data)}},
		})
	default:
		// Discord has a limit of 2000 characters per message, leave 500 for natural split e.g. code blocks
		for _, chunk := range splitMessage(msg.Content, 1500) {
			sends = append(sends, &discordgo.MessageSend{Content: chunk})
		}
	}

	for i, send := range sends {
		if i == 0 && msg.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channelID}
			send.AllowedMentions = &discordgo.MessageAllowedMentions{RepliedUser: false}
		}
		if err := c.sendComplex(ctx, channelID, send); err != nil {
			return err
		}
	}
	return nil
}

// imageMessage embeds remote images and uploads data: URLs as attachments.
func imageMessage(ref string) (*discordgo.MessageSend, error) {
	if rest, ok := strings.CutPrefix(ref, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, fmt.Errorf("unsupported data URL")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decode image data: %w", err)
		}
		mime := strings.TrimSuffix(meta, ";base64")
		ext := "png"
		if _, sub, ok := strings.Cut(mime, "/"); ok && sub != "" {
			ext = sub
		}
		return &discordgo.MessageSend{
			Files: []*discordgo.File{{Name: "image." + ext, ContentType: mime, Reader: bytes.NewReader(data)}},
		}, nil
	}
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{Image: &discordgo.MessageEmbedImage{URL: ref}}},
	}, nil
}

func (c *DiscordChannel) sendComplex(ctx context.Context, channelID string, send *discordgo.MessageSend) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSendComplex(channelID, send)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) Acknowledge(ctx context.Context, chatID, messageID string, ack bus.AckKind) error {
	if !c.IsRunning() {
		return ErrNotRunning
	}
	emoji, ok := ackEmoji[ack]
	if !ok {
		return fmt.Errorf("unknown acknowledgment %q", ack)
	}
	return c.session.MessageReactionAdd(chatID, messageID, emoji, discordgo.WithContext(ctx))
}

func (c *DiscordChannel) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	return fetchURL(ctx, c.httpClient, ref)
}

func (c *DiscordChannel) History(ctx context.Context, chatID, beforeID string, limit int) ([]history.Message, error) {
	if !c.IsRunning() {
		return nil, ErrNotRunning
	}
	if limit <= 0 {
		return nil, nil
	}
	msgs, err := c.session.ChannelMessages(chatID, min(limit, discordPageLimit), beforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch discord history: %w", err)
	}
	selfID := c.selfID()
	out := make([]history.Message, 0, len(msgs))
	// Discord returns newest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] == nil || msgs[i].Author == nil {
			continue
		}
		msg := convertDiscordMessage(msgs[i], selfID)
		msg.ConversationID = bus.ConversationKey(c.name, chatID)
		out = append(out, msg)
	}
	return out, nil
}

func (c *DiscordChannel) selfID() string {
	if c.session.State != nil && c.session.State.User != nil {
		return c.session.State.User.ID
	}
	return ""
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}

	msg := convertDiscordMessage(m.Message, c.selfID())
	if len(msg.Segments) == 0 {
		return
	}

	chatName, members := c.describeChannel(m.ChannelID, m.GuildID)

	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_name": msg.SenderName,
		"sender_id":   msg.SenderID,
		"to_me":       msg.ToMe,
		"preview":     truncate(msg.PlainText(), 50),
	})

	c.HandleMessage(m.ChannelID, chatName, members, msg)
}

func (c *DiscordChannel) handleDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	if m == nil || m.Message == nil {
		return
	}
	c.HandleRecall(m.ChannelID, m.ID)
}

func (c *DiscordChannel) describeChannel(channelID, guildID string) (string, int) {
	state := c.session.State
	if state == nil {
		return "", 0
	}
	name := ""
	if ch, err := state.Channel(channelID); err == nil && ch != nil {
		name = ch.Name
	}
	members := 0
	if guildID != "" {
		if g, err := state.Guild(guildID); err == nil && g != nil {
			members = g.MemberCount
		}
	} else {
		members = 2
	}
	return name, members
}

// convertDiscordMessage maps a Discord message onto history segments.
// Messages in DMs, mentions of the bot and replies to the bot count as
// addressed to it.
func convertDiscordMessage(m *discordgo.Message, selfID string) history.Message {
	msg := history.Message{
		ID:         m.ID,
		SenderID:   m.Author.ID,
		SenderName: displayName(m),
		FromSelf:   selfID != "" && m.Author.ID == selfID,
		FromBot:    m.Author.Bot,
		Timestamp:  m.Timestamp,
	}
	if m.MessageReference != nil {
		msg.ReplyTo = m.MessageReference.MessageID
	}

	names := make(map[string]string, len(m.Mentions))
	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		name := u.GlobalName
		if name == "" {
			name = u.Username
		}
		names[u.ID] = name
		if u.ID == selfID {
			msg.ToMe = true
		}
	}
	if m.GuildID == "" {
		msg.ToMe = true
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil && ref.Author.ID == selfID {
		msg.ToMe = true
	}
	if msg.FromSelf {
		msg.ToMe = false
	}

	msg.Segments = parseDiscordContent(m.Content, names)
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		if strings.HasPrefix(a.ContentType, "image/") {
			msg.Segments = append(msg.Segments, history.Image(a.URL, a.Filename))
			continue
		}
		msg.Segments = append(msg.Segments, history.File(a.URL, a.Filename, int64(a.Size)))
	}
	return msg
}

func parseDiscordContent(content string, names map[string]string) []history.Segment {
	var segs []history.Segment
	last := 0
	for _, loc := range discordMentionPattern.FindAllStringSubmatchIndex(content, -1) {
		if loc[0] > last {
			segs = append(segs, history.Text(content[last:loc[0]]))
		}
		token := content[loc[0]:loc[1]]
		if token == "@everyone" || token == "@here" {
			segs = append(segs, history.MentionEveryone())
		} else {
			id := content[loc[2]:loc[3]]
			segs = append(segs, history.Mention(id, names[id]))
		}
		last = loc[1]
	}
	if last < len(content) {
		segs = append(segs, history.Text(content[last:]))
	}
	return segs
}

func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	name := m.Author.Username
	if m.Author.Discriminator != "" && m.Author.Discriminator != "0" {
		name += "#" + m.Author.Discriminator
	}
	return name
}

func fetchURL(ctx context.Context, client *http.Client, ref string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create fetch request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", ref, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", ref, err)
	}
	if len(data) > maxFetchBytes {
		return nil, "", fmt.Errorf("fetch %s: payload exceeds %d bytes", ref, maxFetchBytes)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// splitMessage splits long messages into chunks, preserving code block integrity
// Uses natural boundaries (newlines, spaces) and extends messages slightly to avoid breaking code blocks
func splitMessage(content string, limit int) []string {
	var messages []string

	for len(content) > 0 {
		if len(content) <= limit {
			messages = append(messages, content)
			break
		}

		msgEnd := findLastNewline(content[:limit], 200)
		if msgEnd <= 0 {
			msgEnd = findLastSpace(content[:limit], 100)
		}
		if msgEnd <= 0 {
			msgEnd = limit
		}

		candidate := content[:msgEnd]
		if unclosedIdx := findLastUnclosedCodeBlock(candidate); unclosedIdx >= 0 {
			extendedLimit := limit + 500
			if len(content) > extendedLimit {
				closingIdx := findNextClosingCodeBlock(content, msgEnd)
				if closingIdx > 0 && closingIdx <= extendedLimit {
					msgEnd = closingIdx
				} else {
					// Can't find closing, split before the code block
					msgEnd = findLastNewline(content[:unclosedIdx], 200)
					if msgEnd <= 0 {
						msgEnd = findLastSpace(content[:unclosedIdx], 100)
					}
					if msgEnd <= 0 {
						msgEnd = unclosedIdx
					}
				}
			} else {
				msgEnd = len(content)
			}
		}

		if msgEnd <= 0 {
			msgEnd = limit
		}

		messages = append(messages, content[:msgEnd])
		content = strings.TrimSpace(content[msgEnd:])
	}

	return messages
}

// findLastUnclosedCodeBlock returns the position of the last opening ```
// without a closing one, or -1.
func findLastUnclosedCodeBlock(text string) int {
	count := 0
	lastOpenIdx := -1

	for i := 0; i < len(text); i++ {
		if i+2 < len(text) && text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			if count%2 == 0 {
				lastOpenIdx = i
			}
			count++
			i += 2
		}
	}

	if count%2 == 1 {
		return lastOpenIdx
	}
	return -1
}

func findNextClosingCodeBlock(text string, startIdx int) int {
	for i := startIdx; i < len(text); i++ {
		if i+2 < len(text) && text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			return i + 3
		}
	}
	return -1
}

func findLastNewline(s string, searchWindow int) int {
	for i := len(s) - 1; i >= max(0, len(s)-searchWindow); i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

func findLastSpace(s string, searchWindow int) int {
	for i := len(s) - 1; i >= max(0, len(s)-searchWindow); i-- {
		if s[i] == ' ' || s[i] == '\t' {
			return i
		}
	}
	return -1
}
