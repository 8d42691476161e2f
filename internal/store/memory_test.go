package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
)

func newSession(t *testing.T, m *Memory, id string) chat.Session {
	t.Helper()
	session, err := m.CreateSession(context.Background(), chat.Session{ID: id, IsOnline: true})
	require.NoError(t, err)
	return session
}

func TestMemoryCreateSessionDefaults(t *testing.T) {
	m := NewMemory()
	session := newSession(t, m, "s1")

	assert.Equal(t, chat.AnonymousName, session.Name)
	assert.False(t, session.CreatedAt.IsZero())

	_, err := m.CreateSession(context.Background(), chat.Session{ID: "s1"})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestMemoryInsertRequiresSession(t *testing.T) {
	m := NewMemory()
	_, err := m.InsertMessage(context.Background(), chat.Message{
		SessionID: "missing", Text: "hi", Sender: chat.SenderUser, Status: chat.StatusSent,
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryInsertRejectsEmptyText(t *testing.T) {
	m := NewMemory()
	newSession(t, m, "s1")
	_, err := m.InsertMessage(context.Background(), chat.Message{
		SessionID: "s1", Sender: chat.SenderUser, Status: chat.StatusSent,
	})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestMemoryMessagesKeepInsertionOrder(t *testing.T) {
	m := NewMemory()
	newSession(t, m, "s1")
	ctx := context.Background()

	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	for _, text := range []string{"a", "b", "c"} {
		_, err := m.InsertMessage(ctx, chat.Message{SessionID: "s1", Text: text, Sender: chat.SenderUser, Status: chat.StatusSent})
		require.NoError(t, err)
	}

	history, err := m.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "a", history[0].Text)
	assert.Equal(t, "b", history[1].Text)
	assert.Equal(t, "c", history[2].Text)
}

func TestMemoryStatusUpdateIsMonotonic(t *testing.T) {
	m := NewMemory()
	newSession(t, m, "s1")
	ctx := context.Background()

	msg, err := m.InsertMessage(ctx, chat.Message{SessionID: "s1", Text: "hi", Sender: chat.SenderUser, Status: chat.StatusSent})
	require.NoError(t, err)

	updated, changed, err := m.UpdateMessageStatus(ctx, msg.ID, chat.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, chat.StatusRead, updated.Status)

	updated, changed, err = m.UpdateMessageStatus(ctx, msg.ID, chat.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, chat.StatusRead, updated.Status)

	_, _, err = m.UpdateMessageStatus(ctx, "missing", chat.StatusRead)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMemorySubscribeFiltersBySession(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newSession(t, m, "s1")
	newSession(t, m, "s2")

	sub, err := m.Subscribe(ctx, Filter{SessionID: "s1", Tables: []string{chat.TableMessages}})
	require.NoError(t, err)

	_, err = m.InsertMessage(ctx, chat.Message{SessionID: "s2", Text: "other", Sender: chat.SenderUser, Status: chat.StatusSent})
	require.NoError(t, err)
	inserted, err := m.InsertMessage(ctx, chat.Message{SessionID: "s1", Text: "mine", Sender: chat.SenderUser, Status: chat.StatusSent})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		require.NotNil(t, ev.Message)
		assert.Equal(t, chat.EventInsert, ev.Kind)
		assert.Equal(t, inserted.ID, ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("expected insert event")
	}

	// A no-op status update publishes nothing.
	_, _, err = m.UpdateMessageStatus(ctx, inserted.ID, chat.StatusSent)
	require.NoError(t, err)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestMemorySubscriptionEndsWithContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := m.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	assert.NoError(t, sub.Err())
}

func TestMemoryLaggingSubscriberIsDropped(t *testing.T) {
	m := NewMemory()
	m.broker = newBroker(1)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	newSession(t, m, "s1")
	newSession(t, m, "s2")

	<-sub.Events()
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrSubscriberLagging)
}

func TestMemoryCloseEndsSubscriptions(t *testing.T) {
	m := NewMemory()
	sub, err := m.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrClosed)

	_, err = m.Subscribe(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrClosed)
}
