package chat

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
	"github.com/zhouzirui/live-support/backend/pkg/logger"
)

type fakeSink struct {
	mu      sync.Mutex
	replies []chat.Message
	events  []chat.Event
}

func (f *fakeSink) AddAdminReply(_ context.Context, text, replyToID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, chat.Message{Text: text, ReplyToID: replyToID, Sender: chat.SenderAdmin})
}

func (f *fakeSink) Messages() []chat.Message { return nil }
func (f *fakeSink) SessionID() string        { return "s1" }

func (f *fakeSink) notify(ev chat.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) replyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

type stubSource struct {
	text string
	err  error
}

func (s stubSource) Reply(context.Context, []chat.Message, chat.Message) (string, error) {
	return s.text, s.err
}

func TestCannedRepliesPicksFromSet(t *testing.T) {
	set := []string{"a", "b", "c"}
	c := NewCannedReplies(set, rand.New(rand.NewPCG(1, 2)))
	for range 20 {
		text, err := c.Reply(context.Background(), nil, chat.Message{})
		require.NoError(t, err)
		assert.Contains(t, set, text)
	}

	_, err := NewCannedReplies(nil, nil).Reply(context.Background(), nil, chat.Message{})
	assert.Error(t, err)
}

func TestResponderDelayWithinRange(t *testing.T) {
	r := NewResponder(ResponderConfig{}, logger.Discard())
	for range 50 {
		d := r.delay()
		assert.GreaterOrEqual(t, d, DefaultMinReplyDelay)
		assert.LessOrEqual(t, d, DefaultMaxReplyDelay)
	}
}

func TestResponderPrefersSourceThenFallback(t *testing.T) {
	fallback := NewCannedReplies([]string{"canned"}, nil)
	cases := []struct {
		name   string
		source ReplySource
		want   string
	}{
		{"source answers", stubSource{text: "generated"}, "generated"},
		{"source fails", stubSource{err: errors.New("model down")}, "canned"},
		{"source empty", stubSource{}, "canned"},
		{"no source", nil, "canned"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &fakeSink{}
			r := NewResponder(ResponderConfig{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, Source: tc.source, Fallback: fallback}, logger.Discard())
			r.bind(sink)
			defer r.Close()

			r.ScheduleReply(chat.Message{ID: "m1", SessionID: "s1"})
			require.Eventually(t, func() bool { return sink.replyCount() == 1 }, time.Second, time.Millisecond)

			sink.mu.Lock()
			defer sink.mu.Unlock()
			assert.Equal(t, tc.want, sink.replies[0].Text)
			assert.Equal(t, "m1", sink.replies[0].ReplyToID)
		})
	}
}

func TestResponderCancel(t *testing.T) {
	sink := &fakeSink{}
	r := NewResponder(ResponderConfig{MinDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Fallback: NewCannedReplies([]string{"x"}, nil)}, logger.Discard())
	r.bind(sink)
	defer r.Close()

	handle := r.ScheduleReply(chat.Message{ID: "m1", SessionID: "s1"})
	require.NotZero(t, handle)
	assert.True(t, r.Cancel(handle))
	assert.False(t, r.Cancel(handle))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, sink.replyCount())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2)
	assert.True(t, sink.events[0].Typing.Active)
	assert.False(t, sink.events[1].Typing.Active)
	assert.Equal(t, "s1", sink.events[1].Typing.SessionID)
}

func TestResponderClosedSchedulesNothing(t *testing.T) {
	sink := &fakeSink{}
	r := NewResponder(ResponderConfig{MinDelay: time.Millisecond, MaxDelay: time.Millisecond}, logger.Discard())
	r.bind(sink)
	r.Close()
	r.Close()

	assert.Zero(t, r.ScheduleReply(chat.Message{ID: "m1"}))
	assert.Equal(t, 0, r.Pending())
}
