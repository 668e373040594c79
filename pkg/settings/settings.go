// Package settings persists per-conversation behavior: response level,
// history limits, the custom prompt, pacing, the keyword watch-list and the
// "cleared at" marker set by the clear command.
package settings

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/config"
)

type Settings struct {
	ConversationID         string
	ResponseLevel          string
	MinCorrespondingLength int
	MaxHistoryLength       int
	Prompt                 string
	ReplyInterval          time.Duration
	Keywords               []string
	// ClearedAt is the id of the message that cleared the context; history
	// at or before it is not shown to the model. ClearedTime is that
	// message's timestamp and still bounds the window once it is recalled.
	ClearedAt   string
	ClearedTime time.Time
	UpdatedAt   time.Time
}

// Store reads and writes settings. Get returns the defaults, with the
// conversation id filled in, for conversations never written.
type Store interface {
	Get(ctx context.Context, conversationID string) (Settings, error)
	Update(ctx context.Context, conversationID string, fn func(*Settings)) (Settings, error)
	Close() error
}

func FromDefaults(d config.ConversationDefaults) Settings {
	return Settings{
		ResponseLevel:          d.ResponseLevel,
		MinCorrespondingLength: d.MinCorrespondingLength,
		MaxHistoryLength:       d.MaxHistoryLength,
		Prompt:                 d.Prompt,
		ReplyInterval:          config.Seconds(d.ReplyIntervalSeconds),
		Keywords:               slices.Clone(d.Keywords),
	}
}

func (s Settings) clone() Settings {
	s.Keywords = slices.Clone(s.Keywords)
	return s
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	defaults Settings
	items    map[string]Settings
}

func NewMemoryStore(defaults Settings) *MemoryStore {
	return &MemoryStore{defaults: defaults, items: make(map[string]Settings)}
}

func (m *MemoryStore) Get(_ context.Context, conversationID string) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.items[conversationID]; ok {
		return s.clone(), nil
	}
	s := m.defaults.clone()
	s.ConversationID = conversationID
	return s, nil
}

func (m *MemoryStore) Update(_ context.Context, conversationID string, fn func(*Settings)) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[conversationID]
	if !ok {
		cur = m.defaults.clone()
	}
	cur = cur.clone()
	fn(&cur)
	cur.ConversationID = conversationID
	cur.UpdatedAt = time.Now()
	m.items[conversationID] = cur
	return cur.clone(), nil
}

func (m *MemoryStore) Close() error { return nil }
