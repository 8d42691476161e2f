package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
)

func msg(id string, sender chat.Sender, text string, status chat.Status) chat.Message {
	return chat.Message{ID: id, SessionID: "s1", Sender: sender, Text: text, Status: status}
}

func TestMessageStoreApplyKeepsArrivalOrder(t *testing.T) {
	s := NewMessageStore()
	assert.True(t, s.Apply(msg("1", chat.SenderUser, "hi", chat.StatusSent)))
	assert.True(t, s.Apply(msg("2", chat.SenderAdmin, "hello", chat.StatusDelivered)))
	assert.True(t, s.Apply(msg("3", chat.SenderUser, "help", chat.StatusSent)))

	snapshot := s.Snapshot()
	assert.Equal(t, []string{"1", "2", "3"}, []string{snapshot[0].ID, snapshot[1].ID, snapshot[2].ID})
	assert.Equal(t, 2, s.UnreadCount())
}

func TestMessageStoreStatusNeverMovesBack(t *testing.T) {
	s := NewMessageStore()
	s.Apply(msg("1", chat.SenderUser, "hi", chat.StatusSent))
	assert.True(t, s.Apply(msg("1", chat.SenderUser, "hi", chat.StatusRead)))
	assert.False(t, s.Apply(msg("1", chat.SenderUser, "hi", chat.StatusSent)))
	assert.False(t, s.Apply(msg("1", chat.SenderAdmin, "edited", chat.StatusDelivered)))

	got, ok := s.Get("1")
	assert.True(t, ok)
	assert.Equal(t, chat.StatusRead, got.Status)
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, chat.SenderUser, got.Sender)
	assert.Equal(t, 0, s.UnreadCount())
}

func TestMessageStoreMerge(t *testing.T) {
	s := NewMessageStore()
	s.Apply(msg("2", chat.SenderUser, "local newer", chat.StatusRead))
	s.Apply(msg("3", chat.SenderUser, "not yet durable", chat.StatusSent))

	s.Merge([]chat.Message{
		msg("1", chat.SenderAdmin, "welcome", chat.StatusDelivered),
		msg("2", chat.SenderUser, "local newer", chat.StatusSent),
	})

	snapshot := s.Snapshot()
	assert.Len(t, snapshot, 3)
	assert.Equal(t, "1", snapshot[0].ID)
	assert.Equal(t, "2", snapshot[1].ID)
	assert.Equal(t, chat.StatusRead, snapshot[1].Status)
	assert.Equal(t, "3", snapshot[2].ID)
	assert.Equal(t, 1, s.UnreadCount())
}
