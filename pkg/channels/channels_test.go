package channels

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/history"
)

func TestBaseChannel_IsAllowed(t *testing.T) {
	open := NewBaseChannel("x", bus.NewMessageBus(), nil)
	assert.True(t, open.IsAllowed("anyone"))

	restricted := NewBaseChannel("x", bus.NewMessageBus(), []string{"123", "@alice"})
	assert.True(t, restricted.IsAllowed("123"))
	assert.True(t, restricted.IsAllowed("999|alice"))
	assert.False(t, restricted.IsAllowed("456"))
}

func TestBaseChannel_HandleMessageKeysConversation(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	ch := NewBaseChannel("discord", mb, []string{"allowed"})

	ch.HandleMessage("42", "general", 10, history.Message{ID: "m1", SenderID: "blocked"})
	ch.HandleMessage("42", "general", 10, history.Message{ID: "m2", SenderID: "bot", FromSelf: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "m2", ev.Message.ID, "self messages bypass the allow list")
	assert.Equal(t, "discord:42", ev.Message.ConversationID)
	assert.Equal(t, "general", ev.ChatName)
	assert.Equal(t, 0, mb.Pending())
}

func TestConvertDiscordMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &discordgo.Message{
		ID:        "100",
		GuildID:   "g",
		ChannelID: "c",
		Content:   "hey <@!777> and <@555>, look @everyone",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "111", Username: "alice"},
		Mentions: []*discordgo.User{
			{ID: "777", Username: "dotchat"},
			{ID: "555", Username: "bob", GlobalName: "Bobby"},
		},
		MessageReference: &discordgo.MessageReference{MessageID: "99"},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn/x.png", Filename: "x.png", ContentType: "image/png"},
			{URL: "https://cdn/notes.txt", Filename: "notes.txt", ContentType: "text/plain", Size: 12},
		},
	}

	msg := convertDiscordMessage(m, "777")
	assert.True(t, msg.ToMe)
	assert.False(t, msg.FromSelf)
	assert.Equal(t, "99", msg.ReplyTo)
	assert.Equal(t, ts, msg.Timestamp)
	assert.Equal(t, []history.Segment{
		history.Text("hey "),
		history.Mention("777", "dotchat"),
		history.Text(" and "),
		history.Mention("555", "Bobby"),
		history.Text(", look "),
		history.MentionEveryone(),
		history.Image("https://cdn/x.png", "x.png"),
		history.File("https://cdn/notes.txt", "notes.txt", 12),
	}, msg.Segments)
}

func TestConvertDiscordMessage_AmbientAndSelf(t *testing.T) {
	ambient := convertDiscordMessage(&discordgo.Message{
		ID: "1", GuildID: "g", Content: "just chatting",
		Author: &discordgo.User{ID: "111", Username: "alice"},
	}, "777")
	assert.False(t, ambient.ToMe)

	self := convertDiscordMessage(&discordgo.Message{
		ID: "2", Content: "my own reply",
		Author: &discordgo.User{ID: "777", Username: "dotchat", Bot: true},
	}, "777")
	assert.True(t, self.FromSelf)
	assert.True(t, self.FromBot)
	assert.False(t, self.ToMe)

	replyToBot := convertDiscordMessage(&discordgo.Message{
		ID: "3", GuildID: "g", Content: "thanks",
		Author:            &discordgo.User{ID: "111", Username: "alice"},
		ReferencedMessage: &discordgo.Message{ID: "2", Author: &discordgo.User{ID: "777"}},
	}, "777")
	assert.True(t, replyToBot.ToMe)
}

func TestImageMessage(t *testing.T) {
	send, err := imageMessage("https://img.example/cat.png")
	require.NoError(t, err)
	require.Len(t, send.Embeds, 1)
	assert.Equal(t, "https://img.example/cat.png", send.Embeds[0].Image.URL)

	send, err = imageMessage("data:image/jpeg;base64,aGVsbG8=")
	require.NoError(t, err)
	require.Len(t, send.Files, 1)
	assert.Equal(t, "image.jpeg", send.Files[0].Name)

	_, err = imageMessage("data:image/png,raw")
	assert.Error(t, err)
}

func TestSplitMessage(t *testing.T) {
	short := splitMessage("hello", 1500)
	assert.Equal(t, []string{"hello"}, short)

	long := strings.Repeat("word ", 700)
	chunks := splitMessage(long, 1500)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 1500)
	}
	assert.Equal(t, strings.Fields(long), strings.Fields(strings.Join(chunks, " ")))
}

func TestConsoleChannel_ParseLine(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	c := NewConsoleChannel(config.ConsoleConfig{Conversation: "console", UserName: "you"}, "dotchat", mb, nil, &bytes.Buffer{})

	msg := c.parseLine("hello there")
	assert.True(t, msg.ToMe)
	assert.Equal(t, "c1", msg.ID)
	assert.Equal(t, "hello there", msg.PlainText())

	ambient := c.parseLine("~ just talking")
	assert.False(t, ambient.ToMe)
	assert.Equal(t, "just talking", ambient.PlainText())

	img := c.parseLine("/image ~/cat.png what is this")
	require.Len(t, img.Segments, 2)
	assert.Equal(t, history.KindImage, img.Segments[0].Kind)
	assert.Equal(t, "~/cat.png", img.Segments[0].Ref)
	assert.Equal(t, "what is this", img.PlainText())
}

func TestConsoleChannel_SendRecordsSelfMessage(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	out := &bytes.Buffer{}
	c := NewConsoleChannel(config.ConsoleConfig{Conversation: "console", UserName: "you"}, "dotchat", mb, nil, out)

	assert.ErrorIs(t, c.Send(context.Background(), bus.OutboundMessage{Kind: bus.OutboundText, Content: "x"}), ErrNotRunning)

	c.setRunning(true)
	require.NoError(t, c.Send(context.Background(), bus.OutboundMessage{
		Kind: bus.OutboundText, Channel: "console", ChatID: "console", Content: "hi you",
	}))
	assert.Contains(t, out.String(), "dotchat > hi you")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.True(t, ev.Message.FromSelf)
	assert.Equal(t, "console:console", ev.Message.ConversationID)
	assert.Equal(t, "hi you", ev.Message.PlainText())
}

type fakeChannel struct {
	*BaseChannel
	sent  []bus.OutboundMessage
	acks  []string
	fetch func(ref string) ([]byte, string, error)
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(name, bus.NewMessageBus(), nil)}
}

func (f *fakeChannel) Start(context.Context) error { f.setRunning(true); return nil }
func (f *fakeChannel) Stop(context.Context) error  { f.setRunning(false); return nil }
func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeChannel) Acknowledge(_ context.Context, chatID, messageID string, ack bus.AckKind) error {
	f.acks = append(f.acks, chatID+"/"+messageID+"/"+string(ack))
	return nil
}
func (f *fakeChannel) Fetch(_ context.Context, ref string) ([]byte, string, error) {
	if f.fetch == nil {
		return nil, "", errors.New("no fetch")
	}
	return f.fetch(ref)
}
func (f *fakeChannel) History(context.Context, string, string, int) ([]history.Message, error) {
	return nil, nil
}

func TestManager_RoutesByChannelName(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	m, err := NewManager(config.DefaultConfig(), mb)
	require.NoError(t, err)

	fake := newFakeChannel("fake")
	m.RegisterChannel("fake", fake)
	require.NoError(t, m.StartAll(context.Background()))
	defer m.StopAll(context.Background())

	require.NoError(t, m.Send(context.Background(), bus.OutboundMessage{Channel: "fake", ChatID: "c", Content: "hi"}))
	require.NoError(t, m.Acknowledge(context.Background(), "fake", "c", "m1", bus.AckDeclined))
	assert.Equal(t, []string{"c/m1/declined"}, fake.acks)

	err = m.Send(context.Background(), bus.OutboundMessage{Channel: "nope"})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	assert.Equal(t, []string{"fake"}, m.GetEnabledChannels())
	status := m.GetStatus()["fake"].(map[string]any)
	assert.Equal(t, true, status["running"])
}

func TestManager_DiscordRequiresToken(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.Discord.Enabled = true
	cfg.Channels.Discord.Token = ""
	_, err := NewManager(cfg, bus.NewMessageBus())
	assert.Error(t, err)
}
