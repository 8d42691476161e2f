package store

import (
	"sync"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
)

const defaultSubscriptionBuffer = 64

// Subscription delivers change events in commit order until it ends.
type Subscription struct {
	id     uint64
	filter Filter
	events chan chat.Event
	broker *broker

	mu     sync.Mutex
	closed bool
	err    error
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan chat.Event {
	return s.events
}

// Err returns why the subscription ended: nil after Close or while still active.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.broker.remove(s.id, nil)
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

// broker fans change events out to subscribers without ever blocking the writer.
type broker struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
}

func newBroker(buffer int) *broker {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &broker{subs: make(map[uint64]*Subscription), buffer: buffer}
}

func (b *broker) subscribe(filter Filter) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: filter,
		events: make(chan chat.Event, b.buffer),
		broker: b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

func (b *broker) publish(ev chat.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			// A full buffer means the consumer would silently miss rows.
			delete(b.subs, id)
			sub.end(ErrSubscriberLagging)
		}
	}
}

func (b *broker) remove(id uint64, err error) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.end(err)
	}
}

// interrupt ends every subscription with err but keeps accepting new ones.
func (b *broker) interrupt(err error) {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.end(err)
	}
}

func (b *broker) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.interrupt(ErrClosed)
}
