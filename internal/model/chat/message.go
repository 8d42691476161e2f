package chat

import (
	"fmt"
	"time"
)

// Sender 标识消息作者，只有访客与客服两种取值。
type Sender uint8

const (
	SenderUser Sender = iota + 1
	SenderAdmin
)

// ParseSender converts the wire name into a Sender.
func ParseSender(raw string) (Sender, error) {
	switch raw {
	case "user":
		return SenderUser, nil
	case "admin":
		return SenderAdmin, nil
	default:
		return 0, fmt.Errorf("unknown sender %q", raw)
	}
}

func (s Sender) String() string {
	switch s {
	case SenderUser:
		return "user"
	case SenderAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the two known senders.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAdmin
}

func (s Sender) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid sender %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Sender) UnmarshalText(text []byte) error {
	parsed, err := ParseSender(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Status 是消息投递状态，只能 sent → delivered → read 向前推进。
type Status uint8

const (
	StatusSent Status = iota + 1
	StatusDelivered
	StatusRead
)

// ParseStatus converts the wire name into a Status.
func ParseStatus(raw string) (Status, error) {
	switch raw {
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	default:
		return 0, fmt.Errorf("unknown status %q", raw)
	}
}

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s >= StatusSent && s <= StatusRead
}

// CanAdvanceTo is true only for strictly forward transitions.
func (s Status) CanAdvanceTo(next Status) bool {
	return next.Valid() && next > s
}

// Advance returns the forward-most of s and next.
func (s Status) Advance(next Status) Status {
	if s.CanAdvanceTo(next) {
		return next
	}
	return s
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// InitialStatus returns the status a freshly authored message starts in.
func InitialStatus(sender Sender) Status {
	if sender == SenderAdmin {
		return StatusDelivered
	}
	return StatusSent
}

// Message is one line of a support conversation.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	Status    Status    `json:"status"`
	ReplyToID string    `json:"replyToId,omitempty"`
	UserName  string    `json:"userName,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnreadCount counts visitor messages an operator has not read yet.
func UnreadCount(messages []Message) int {
	count := 0
	for _, msg := range messages {
		if msg.Sender == SenderUser && msg.Status != StatusRead {
			count++
		}
	}
	return count
}
