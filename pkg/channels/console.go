package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/logger"
)

const (
	consoleUserID = "console-user"
	consoleSelfID = "console-bot"
)

// ConsoleChannel is a local terminal conversation. Every line typed is a
// message addressed to the bot unless it starts with "~". "/image path
// [text]" attaches a local image and "/recall" deletes the previous line.
type ConsoleChannel struct {
	*BaseChannel
	cfg     config.ConsoleConfig
	botName string

	stdin  io.ReadCloser
	mu     sync.Mutex
	out    io.Writer
	rl     *readline.Instance
	seq    atomic.Int64
	lastID string
	done   chan struct{}
	client *http.Client
}

// NewConsoleChannel creates a console channel. A nil stdin reads the
// terminal.
func NewConsoleChannel(cfg config.ConsoleConfig, botName string, messageBus *bus.MessageBus, stdin io.ReadCloser, out io.Writer) *ConsoleChannel {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", messageBus, nil),
		cfg:         cfg,
		botName:     botName,
		stdin:       stdin,
		out:         out,
		done:        make(chan struct{}),
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Done is closed when the user ends the session.
func (c *ConsoleChannel) Done() <-chan struct{} {
	return c.done
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	rlCfg := &readline.Config{
		Prompt:          fmt.Sprintf("%s > ", c.cfg.UserName),
		HistoryFile:     config.ExpandHome(c.cfg.HistoryFile),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	}
	if c.stdin != nil {
		rlCfg.Stdin = c.stdin
	}
	rl, err := readline.NewEx(rlCfg)
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	c.mu.Lock()
	c.rl = rl
	if c.stdin == nil {
		c.out = rl.Stdout()
	}
	c.mu.Unlock()

	c.setRunning(true)
	go c.readLoop(ctx, rl)
	logger.InfoCF("console", "Console channel started", map[string]any{"conversation": c.cfg.Conversation})
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context, rl *readline.Instance) {
	defer close(c.done)
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			logger.WarnCF("console", "Error reading input", map[string]any{"error": err.Error()})
			continue
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}
		if input == "/recall" {
			c.recallLast()
			continue
		}
		c.HandleMessage(c.cfg.Conversation, "console", 2, c.parseLine(input))
	}
}

func (c *ConsoleChannel) recallLast() {
	c.mu.Lock()
	id := c.lastID
	c.lastID = ""
	c.mu.Unlock()
	if id == "" {
		return
	}
	c.HandleRecall(c.cfg.Conversation, id)
	c.printf("(recalled %s)\n", id)
}

func (c *ConsoleChannel) nextID() string {
	return "c" + strconv.FormatInt(c.seq.Add(1), 10)
}

// parseLine turns one input line into a message from the console user.
func (c *ConsoleChannel) parseLine(input string) history.Message {
	msg := history.Message{
		ID:         c.nextID(),
		SenderID:   consoleUserID,
		SenderName: c.cfg.UserName,
		ToMe:       true,
		Timestamp:  time.Now(),
	}
	if rest, ok := strings.CutPrefix(input, "~"); ok {
		msg.ToMe = false
		input = strings.TrimSpace(rest)
	}
	if rest, ok := strings.CutPrefix(input, "/image "); ok {
		path, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		msg.Segments = append(msg.Segments, history.Image(path, ""))
		input = strings.TrimSpace(text)
	}
	if input != "" {
		msg.Segments = append(msg.Segments, history.Text(input))
	}
	c.mu.Lock()
	c.lastID = msg.ID
	c.mu.Unlock()
	return msg
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	c.mu.Lock()
	rl := c.rl
	c.rl = nil
	c.mu.Unlock()
	if rl != nil {
		return rl.Close()
	}
	return nil
}

func (c *ConsoleChannel) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *ConsoleChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return ErrNotRunning
	}
	self := history.Message{
		ID:         c.nextID(),
		SenderID:   consoleSelfID,
		SenderName: c.botName,
		FromSelf:   true,
		Timestamp:  time.Now(),
		ReplyTo:    msg.ReplyTo,
	}
	switch msg.Kind {
	case bus.OutboundImage:
		ref := msg.Content
		if strings.HasPrefix(ref, "data:") {
			ref = truncate(ref, 40)
		}
		c.printf("%s > [image] %s\n", c.botName, ref)
		self.Segments = []history.Segment{history.Image(msg.Content, "")}
	case bus.OutboundFile:
		c.printf("%s > [file %s, %d bytes]\n", c.botName, msg.FileName, len(msg.Data))
		self.Segments = []history.Segment{history.File("", msg.FileName, int64(len(msg.Data)))}
	default:
		c.printf("%s > %s\n", c.botName, msg.Content)
		self.Segments = []history.Segment{history.Text(msg.Content)}
	}
	c.HandleMessage(msg.ChatID, "console", 2, self)
	return nil
}

func (c *ConsoleChannel) Acknowledge(ctx context.Context, chatID, messageID string, ack bus.AckKind) error {
	emoji, ok := ackEmoji[ack]
	if !ok {
		return fmt.Errorf("unknown acknowledgment %q", ack)
	}
	c.printf("(%s on %s)\n", emoji, messageID)
	return nil
}

// Fetch reads local paths and downloads http(s) references.
func (c *ConsoleChannel) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return fetchURL(ctx, c.client, ref)
	}
	data, err := os.ReadFile(config.ExpandHome(ref))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", ref, err)
	}
	if len(data) > maxFetchBytes {
		return nil, "", fmt.Errorf("read %s: payload exceeds %d bytes", ref, maxFetchBytes)
	}
	return data, http.DetectContentType(data), nil
}

func (c *ConsoleChannel) History(ctx context.Context, chatID, beforeID string, limit int) ([]history.Message, error) {
	return nil, nil
}
