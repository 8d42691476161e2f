// Package store is the durable copy of chat sessions and messages plus the
// real-time change feed the chat controller consumes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidMessage  = errors.New("invalid message")

	// ErrSubscriberLagging ends a subscription whose buffer overflowed.
	ErrSubscriberLagging = errors.New("subscriber lagging behind change feed")
	// ErrFeedInterrupted ends subscriptions when the backend feed dropped events.
	ErrFeedInterrupted = errors.New("change feed interrupted")
	ErrClosed          = errors.New("store closed")
)

// SessionUpdate carries optional session field changes. LastSeen is always refreshed.
type SessionUpdate struct {
	IsOnline *bool
	Name     string
	Email    string
	LastSeen time.Time
}

// Filter narrows a subscription. An empty SessionID matches every session.
type Filter struct {
	SessionID string
	Tables    []string
}

func (f Filter) matches(ev chat.Event) bool {
	if f.SessionID != "" && ev.SessionID() != f.SessionID {
		return false
	}
	if len(f.Tables) == 0 {
		return true
	}
	for _, table := range f.Tables {
		if table == ev.Table {
			return true
		}
	}
	return false
}

// Store is the persistence collaborator behind the chat controller.
type Store interface {
	GetSession(ctx context.Context, id string) (chat.Session, error)
	CreateSession(ctx context.Context, session chat.Session) (chat.Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) (chat.Session, error)
	ListSessions(ctx context.Context, onlineOnly bool) ([]chat.Session, error)

	InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	// UpdateMessageStatus applies strictly forward transitions only; the bool
	// reports whether the row changed.
	UpdateMessageStatus(ctx context.Context, id string, status chat.Status) (chat.Message, bool, error)
	ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error)

	Subscribe(ctx context.Context, filter Filter) (*Subscription, error)
	Close() error
}

func validateMessage(msg chat.Message) error {
	switch {
	case msg.SessionID == "":
		return ErrSessionNotFound
	case msg.Text == "":
		return errors.Join(ErrInvalidMessage, errors.New("text is required"))
	case !msg.Sender.Valid():
		return errors.Join(ErrInvalidMessage, errors.New("sender is required"))
	case !msg.Status.Valid():
		return errors.Join(ErrInvalidMessage, errors.New("status is required"))
	}
	return nil
}
