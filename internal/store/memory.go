package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
)

// Memory keeps sessions and messages in process memory. Suitable for the
// offline demo and for tests.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	order    []string
	messages map[string][]chat.Message
	index    map[string]messageRef
	now      func() time.Time
	broker   *broker
}

type messageRef struct {
	sessionID string
	pos       int
}

// NewMemory bootstraps an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
		index:    make(map[string]messageRef),
		now:      func() time.Time { return time.Now().UTC() },
		broker:   newBroker(defaultSubscriptionBuffer),
	}
}

// GetSession retrieves a session by identifier.
func (m *Memory) GetSession(_ context.Context, id string) (chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// CreateSession stores a new session record.
func (m *Memory) CreateSession(_ context.Context, session chat.Session) (chat.Session, error) {
	if session.ID == "" {
		return chat.Session{}, fmt.Errorf("create session: %w", ErrSessionNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return chat.Session{}, ErrSessionExists
	}

	now := m.now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastSeen.IsZero() {
		session.LastSeen = now
	}
	if session.Name == "" {
		session.Name = chat.AnonymousName
	}

	m.sessions[session.ID] = session
	m.order = append(m.order, session.ID)
	m.broker.publish(chat.SessionEvent(chat.EventInsert, session))
	return session, nil
}

// UpdateSession applies presence and profile changes.
func (m *Memory) UpdateSession(_ context.Context, id string, update SessionUpdate) (chat.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}

	if update.IsOnline != nil {
		session.IsOnline = *update.IsOnline
	}
	if update.Name != "" {
		session.Name = update.Name
	}
	if update.Email != "" {
		session.Email = update.Email
	}
	session.LastSeen = update.LastSeen
	if session.LastSeen.IsZero() {
		session.LastSeen = m.now()
	}

	m.sessions[id] = session
	m.broker.publish(chat.SessionEvent(chat.EventUpdate, session))
	return session, nil
}

// ListSessions returns sessions in creation order.
func (m *Memory) ListSessions(_ context.Context, onlineOnly bool) ([]chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]chat.Session, 0, len(m.order))
	for _, id := range m.order {
		session := m.sessions[id]
		if onlineOnly && !session.IsOnline {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// InsertMessage appends a message to the session history.
func (m *Memory) InsertMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	if err := validateMessage(msg); err != nil {
		return chat.Message{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[msg.SessionID]; !ok {
		return chat.Message{}, ErrSessionNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, dup := m.index[msg.ID]; dup {
		return chat.Message{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidMessage, msg.ID)
	}

	history := m.messages[msg.SessionID]
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	// created_at never goes backwards within a session.
	if n := len(history); n > 0 && msg.CreatedAt.Before(history[n-1].CreatedAt) {
		msg.CreatedAt = history[n-1].CreatedAt
	}

	m.index[msg.ID] = messageRef{sessionID: msg.SessionID, pos: len(history)}
	m.messages[msg.SessionID] = append(history, msg)
	m.broker.publish(chat.MessageEvent(chat.EventInsert, msg))
	return msg, nil
}

// UpdateMessageStatus advances a message status, ignoring backward moves.
func (m *Memory) UpdateMessageStatus(_ context.Context, id string, status chat.Status) (chat.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.index[id]
	if !ok {
		return chat.Message{}, false, ErrMessageNotFound
	}

	msg := m.messages[ref.sessionID][ref.pos]
	if !msg.Status.CanAdvanceTo(status) {
		return msg, false, nil
	}

	msg.Status = status
	m.messages[ref.sessionID][ref.pos] = msg
	m.broker.publish(chat.MessageEvent(chat.EventUpdate, msg))
	return msg, true, nil
}

// ListMessages returns the session history in insertion order.
func (m *Memory) ListMessages(_ context.Context, sessionID string) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}

	history := m.messages[sessionID]
	copied := make([]chat.Message, len(history))
	copy(copied, history)
	return copied, nil
}

// Subscribe registers for change events; the subscription ends with ctx.
func (m *Memory) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	sub, err := m.broker.subscribe(filter)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.broker.close()
	return nil
}
