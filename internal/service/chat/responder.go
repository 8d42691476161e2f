package chat

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
)

const (
	DefaultMinReplyDelay = 2 * time.Second
	DefaultMaxReplyDelay = 4 * time.Second
)

var errNoReplies = errors.New("no canned replies configured")

// ReplySource produces the text of an automated agent reply.
type ReplySource interface {
	Reply(ctx context.Context, history []chat.Message, incoming chat.Message) (string, error)
}

// CannedReplies picks uniformly from a fixed set.
type CannedReplies struct {
	mu      sync.Mutex
	replies []string
	rnd     *rand.Rand
}

// NewCannedReplies copies replies; rnd may be nil.
func NewCannedReplies(replies []string, rnd *rand.Rand) *CannedReplies {
	if rnd == nil {
		rnd = newRand()
	}
	return &CannedReplies{replies: append([]string(nil), replies...), rnd: rnd}
}

func (c *CannedReplies) Reply(context.Context, []chat.Message, chat.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return "", errNoReplies
	}
	return c.replies[c.rnd.IntN(len(c.replies))], nil
}

// ResponderConfig 控制模拟客服的回复延迟与来源。
type ResponderConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// Source is asked first; Fallback answers when it fails. Either may be nil.
	Source   ReplySource
	Fallback *CannedReplies
	Rand     *rand.Rand
}

// ReplyHandle identifies one scheduled reply.
type ReplyHandle uint64

// replySink is what the responder needs from its owning controller.
type replySink interface {
	AddAdminReply(ctx context.Context, text, replyToID string)
	Messages() []chat.Message
	SessionID() string
	notify(ev chat.Event)
}

// Responder simulates an agent answering each visitor message after a
// randomized delay. Every timer is owned by the responder and stopped by Close.
type Responder struct {
	minDelay time.Duration
	maxDelay time.Duration
	source   ReplySource
	fallback *CannedReplies
	logger   logrus.FieldLogger

	rndMu sync.Mutex
	rnd   *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sink     replySink
	timers   map[ReplyHandle]*time.Timer
	next     ReplyHandle
	closed   bool
	inflight sync.WaitGroup
}

// NewResponder builds a responder; zero delays fall back to 2s..4s.
func NewResponder(cfg ResponderConfig, logger logrus.FieldLogger) *Responder {
	if cfg.MinDelay <= 0 && cfg.MaxDelay <= 0 {
		cfg.MinDelay, cfg.MaxDelay = DefaultMinReplyDelay, DefaultMaxReplyDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.Rand == nil {
		cfg.Rand = newRand()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Responder{
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
		source:   cfg.Source,
		fallback: cfg.Fallback,
		logger:   logger.WithField("component", "responder"),
		rnd:      cfg.Rand,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[ReplyHandle]*time.Timer),
	}
}

func (r *Responder) bind(sink replySink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *Responder) delay() time.Duration {
	span := r.maxDelay - r.minDelay
	if span <= 0 {
		return r.minDelay
	}
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.minDelay + time.Duration(r.rnd.Int64N(int64(span)+1))
}

// ScheduleReply arms one reply for a visitor message. It returns 0 after Close.
func (r *Responder) ScheduleReply(after chat.Message) ReplyHandle {
	r.mu.Lock()
	if r.closed || r.sink == nil {
		r.mu.Unlock()
		return 0
	}
	r.next++
	handle := r.next
	delay := r.delay()
	r.timers[handle] = time.AfterFunc(delay, func() { r.fire(handle, after) })
	sink := r.sink
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"session_id": after.SessionID,
		"reply_to":   after.ID,
		"delay":      delay,
	}).Debug("reply scheduled")
	sink.notify(typingEvent(after.SessionID, true))
	return handle
}

// Cancel stops a pending reply. It reports whether the reply was still pending.
func (r *Responder) Cancel(handle ReplyHandle) bool {
	r.mu.Lock()
	timer, ok := r.timers[handle]
	delete(r.timers, handle)
	remaining := len(r.timers)
	sink := r.sink
	r.mu.Unlock()

	if !ok {
		return false
	}
	timer.Stop()
	if remaining == 0 && sink != nil {
		sink.notify(typingEvent(sink.SessionID(), false))
	}
	return true
}

// Pending returns the number of armed timers.
func (r *Responder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Close stops every timer and waits for replies already being posted.
func (r *Responder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for handle, timer := range r.timers {
		timer.Stop()
		delete(r.timers, handle)
	}
	r.mu.Unlock()

	r.cancel()
	r.inflight.Wait()
}

func (r *Responder) fire(handle ReplyHandle, after chat.Message) {
	r.mu.Lock()
	if _, ok := r.timers[handle]; !ok || r.closed {
		r.mu.Unlock()
		return
	}
	delete(r.timers, handle)
	remaining := len(r.timers)
	sink := r.sink
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	text, err := r.replyText(sink.Messages(), after)
	if err != nil {
		r.logger.WithError(err).WithField("session_id", after.SessionID).Warn("no reply available")
	} else if r.ctx.Err() == nil {
		sink.AddAdminReply(r.ctx, text, after.ID)
	}

	if remaining == 0 {
		sink.notify(typingEvent(after.SessionID, false))
	}
}

func (r *Responder) replyText(history []chat.Message, after chat.Message) (string, error) {
	if r.source != nil {
		text, err := r.source.Reply(r.ctx, history, after)
		if err == nil && text != "" {
			return text, nil
		}
		if err != nil {
			r.logger.WithError(err).Warn("reply source failed, using canned reply")
		}
	}
	if r.fallback == nil {
		return "", errNoReplies
	}
	return r.fallback.Reply(r.ctx, history, after)
}

func typingEvent(sessionID string, active bool) chat.Event {
	return chat.Event{Kind: chat.EventTyping, Typing: &chat.Typing{SessionID: sessionID, Active: active}}
}

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
}
