package chat

// EventKind 描述变更类型。
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	// EventTyping is emitted by the responder, never by a store.
	EventTyping EventKind = "typing"
)

// Table names match the persisted relations.
const (
	TableMessages = "chat_messages"
	TableSessions = "chat_sessions"
)

// Event is a single row change delivered by the real-time feed.
type Event struct {
	Kind    EventKind `json:"kind"`
	Table   string    `json:"table,omitempty"`
	Message *Message  `json:"message,omitempty"`
	Session *Session  `json:"session,omitempty"`
	// Typing is set on EventTyping only.
	Typing *Typing `json:"typing,omitempty"`
}

// Typing signals that the agent side started or stopped composing a reply.
type Typing struct {
	SessionID string `json:"sessionId"`
	Active    bool   `json:"active"`
}

// SessionID returns the session the event belongs to.
func (e Event) SessionID() string {
	switch {
	case e.Message != nil:
		return e.Message.SessionID
	case e.Session != nil:
		return e.Session.ID
	case e.Typing != nil:
		return e.Typing.SessionID
	default:
		return ""
	}
}

// MessageEvent builds a message-table event.
func MessageEvent(kind EventKind, msg Message) Event {
	return Event{Kind: kind, Table: TableMessages, Message: &msg}
}

// SessionEvent builds a session-table event.
func SessionEvent(kind EventKind, session Session) Event {
	return Event{Kind: kind, Table: TableSessions, Session: &session}
}
