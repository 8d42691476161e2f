package chat

import (
	"sync"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
)

// MessageStore is the ordered, id-keyed message list shown to the UI.
// Text and sender never change after the first Apply; status only moves forward.
type MessageStore struct {
	mu    sync.RWMutex
	items []chat.Message
	index map[string]int
}

// NewMessageStore returns an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{index: make(map[string]int)}
}

// Apply appends an unseen message or advances the status of a known one.
func (s *MessageStore) Apply(msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(msg)
}

func (s *MessageStore) applyLocked(msg chat.Message) bool {
	if pos, ok := s.index[msg.ID]; ok {
		current := s.items[pos]
		next := current.Status.Advance(msg.Status)
		if next == current.Status {
			return false
		}
		current.Status = next
		s.items[pos] = current
		return true
	}

	s.index[msg.ID] = len(s.items)
	s.items = append(s.items, msg)
	return true
}

// Merge resynchronizes with a durable history: history order first, then
// anything known locally that the history does not contain yet.
func (s *MessageStore) Merge(history []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.items
	prevIndex := s.index

	s.items = make([]chat.Message, 0, len(history)+len(previous))
	s.index = make(map[string]int, len(history)+len(previous))

	for _, msg := range history {
		if pos, ok := prevIndex[msg.ID]; ok {
			msg.Status = msg.Status.Advance(previous[pos].Status)
		}
		s.applyLocked(msg)
	}
	for _, msg := range previous {
		s.applyLocked(msg)
	}
}

// Snapshot returns a copy of the messages in order.
func (s *MessageStore) Snapshot() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]chat.Message(nil), s.items...)
}

// Get looks up a message by id.
func (s *MessageStore) Get(id string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[id]
	if !ok {
		return chat.Message{}, false
	}
	return s.items[pos], true
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// UnreadCount counts visitor messages not yet read.
func (s *MessageStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return chat.UnreadCount(s.items)
}
