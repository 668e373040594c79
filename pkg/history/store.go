// Package history keeps a bounded, in-memory message log per conversation.
//
// Every conversation gets its own Record, created on first observation. All
// mutation of a record happens under that record's lock, so concurrent
// Append/Delete calls for one conversation are serialized while different
// conversations never contend with each other.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/logger"
)

const DefaultCapacity = 100

type Record struct {
	mu         sync.Mutex
	id         string
	capacity   int
	messages   []Message
	lastText   string
	repeatRun  int
	lastSeen   time.Time
	backfilled bool
}

func (r *Record) indexOf(messageID string) int {
	for i := range r.messages {
		if r.messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

type Store struct {
	mu       sync.RWMutex
	records  map[string]*Record
	capacity int
	now      func() time.Time
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		records:  make(map[string]*Record),
		capacity: capacity,
		now:      time.Now,
	}
}

func (s *Store) Capacity() int {
	return s.capacity
}

func (s *Store) lookup(conversationID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[conversationID]
	return r, ok
}

func (s *Store) record(conversationID string) *Record {
	if r, ok := s.lookup(conversationID); ok {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[conversationID]; ok {
		return r
	}
	r := &Record{id: conversationID, capacity: s.capacity, lastSeen: s.now()}
	s.records[conversationID] = r
	logger.DebugCF("history", "Conversation record created", map[string]any{
		"conversation": conversationID,
	})
	return r
}

// Append records msg. It returns false, and changes nothing, when a message
// with the same id is already stored in the conversation.
func (s *Store) Append(msg Message) bool {
	r := s.record(msg.ConversationID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(msg.ID) >= 0 {
		return false
	}

	r.messages = append(r.messages, msg)
	if len(r.messages) > r.capacity {
		over := len(r.messages) - r.capacity
		clear(r.messages[:over])
		r.messages = r.messages[over:]
	}

	if text := msg.RichText(); r.repeatRun > 0 && text == r.lastText {
		r.repeatRun++
	} else {
		r.repeatRun = 1
		r.lastText = text
	}
	// The run never counts messages already evicted from the window.
	r.repeatRun = min(r.repeatRun, len(r.messages))
	r.lastSeen = s.now()
	return true
}

// Delete removes a message, typically after a recall. The repeat run shrinks
// by one when the removed entry sat at or just before the trailing run; the
// run is never recomputed from the remaining messages.
func (s *Store) Delete(conversationID, messageID string) bool {
	r, ok := s.lookup(conversationID)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(messageID)
	if idx < 0 {
		return false
	}
	r.messages = append(r.messages[:idx], r.messages[idx+1:]...)

	if len(r.messages)-idx <= r.repeatRun {
		r.repeatRun--
	}
	switch {
	case len(r.messages) == 0:
		r.repeatRun = 0
		r.lastText = ""
	case r.repeatRun < 1:
		r.repeatRun = 1
		r.lastText = r.messages[len(r.messages)-1].RichText()
	}

	logger.DebugCF("history", "Message deleted", map[string]any{
		"conversation": conversationID,
		"message_id":   messageID,
	})
	return true
}

func (s *Store) Get(conversationID, messageID string) (Message, bool) {
	r, ok := s.lookup(conversationID)
	if !ok {
		return Message{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := r.indexOf(messageID); idx >= 0 {
		return r.messages[idx], true
	}
	return Message{}, false
}

// Contains reports whether the message is still recorded.
func (s *Store) Contains(conversationID, messageID string) bool {
	_, ok := s.Get(conversationID, messageID)
	return ok
}

// ResolveReplyTarget returns the stored message msg replies to.
func (s *Store) ResolveReplyTarget(msg Message) (Message, bool) {
	if msg.ReplyTo == "" {
		return Message{}, false
	}
	return s.Get(msg.ConversationID, msg.ReplyTo)
}

// RepeatRun returns the normalized text of the latest distinct message and the
// number of consecutive identical messages ending at the tail.
func (s *Store) RepeatRun(conversationID string) (string, int) {
	r, ok := s.lookup(conversationID)
	if !ok {
		return "", 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastText, r.repeatRun
}

func (s *Store) Len(conversationID string) int {
	r, ok := s.lookup(conversationID)
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Snapshot copies the conversation state for one pipeline run.
func (s *Store) Snapshot(conversationID string) Snapshot {
	snap := Snapshot{ConversationID: conversationID}
	r, ok := s.lookup(conversationID)
	if !ok {
		return snap
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snap.Messages = make([]Message, len(r.messages))
	copy(snap.Messages, r.messages)
	snap.RepeatRun = r.repeatRun
	return snap
}

// MarkBackfilled flags the conversation as seeded from platform history. It
// returns true only for the first caller.
func (s *Store) MarkBackfilled(conversationID string) bool {
	r := s.record(conversationID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backfilled {
		return false
	}
	r.backfilled = true
	return true
}

func (s *Store) Backfilled(conversationID string) bool {
	r, ok := s.lookup(conversationID)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backfilled
}

// Conversations lists tracked conversation ids in sorted order.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// EvictIdle drops every record whose last append happened before cutoff.
func (s *Store) EvictIdle(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, r := range s.records {
		r.mu.Lock()
		idle := r.lastSeen.Before(cutoff)
		r.mu.Unlock()
		if idle {
			delete(s.records, id)
			evicted++
		}
	}
	if evicted > 0 {
		logger.InfoCF("history", "Evicted idle conversations", map[string]any{
			"evicted":   evicted,
			"remaining": len(s.records),
		})
	}
	return evicted
}
