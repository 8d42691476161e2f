package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/live-support/backend/internal/model/agent"
	"github.com/zhouzirui/live-support/backend/internal/model/chat"
	"github.com/zhouzirui/live-support/backend/internal/service/identity"
	"github.com/zhouzirui/live-support/backend/internal/store"
)

// DefaultWelcome is used when the agent profile has no opening line.
const DefaultWelcome = "Hello! Welcome to live support. How can I help you today?"

const (
	defaultBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	syncTimeout    = 10 * time.Second
)

// UserMeta carries optional visitor details attached to a message. New
// details also update the session record.
type UserMeta struct {
	Name  string
	Email string
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to logrus' standard logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithProfile sets the agent whose opening line greets new sessions.
func WithProfile(profile agent.Profile) Option {
	return func(c *Controller) { c.profile = profile }
}

// WithResponder attaches a reply simulator; the controller owns and closes it.
func WithResponder(r *Responder) Option {
	return func(c *Controller) { c.responder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithResubscribeBackoff sets the initial wait before resubscribing.
func WithResubscribeBackoff(d time.Duration) Option {
	return func(c *Controller) { c.backoff = d }
}

// Controller is the single authority over the chat state of one session.
// Remote failures are logged here and never reach the caller.
type Controller struct {
	store     store.Store
	ids       *identity.Manager
	logger    logrus.FieldLogger
	profile   agent.Profile
	responder *Responder
	now       func() time.Time
	backoff   time.Duration

	messages *MessageStore

	initMu sync.Mutex

	mu          sync.RWMutex
	sessionID   string
	session     chat.Session
	online      map[string]chat.Session
	initialized bool
	listeners   map[uint64]func(chat.Event)
	nextListen  uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewController wires a controller to its store. ids may be nil for
// operator controllers that only Attach.
func NewController(st store.Store, ids *identity.Manager, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:     st,
		ids:       ids,
		logger:    logrus.StandardLogger(),
		now:       func() time.Time { return time.Now().UTC() },
		backoff:   defaultBackoff,
		messages:  NewMessageStore(),
		online:    make(map[string]chat.Session),
		listeners: make(map[uint64]func(chat.Event)),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "chat")
	if c.responder != nil {
		c.responder.bind(c)
	}
	return c
}

// InitializeSession creates or resumes the visitor session, loads its history
// and starts listening for changes. Calling it again is a no-op.
func (c *Controller) InitializeSession(ctx context.Context, name, email string) {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.isInitialized() || c.ctx.Err() != nil {
		return
	}
	if c.ids == nil {
		c.logger.Error("initialize session: no identity manager configured")
		return
	}

	sessionID := c.ids.ResumeOrCreate()
	logger := c.logger.WithField("session_id", sessionID)

	session, err := c.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		session, err = c.createSession(ctx, sessionID, name, email)
	case err == nil:
		session, err = c.markOnline(ctx, sessionID, name, email)
	}
	if err != nil {
		logger.WithError(err).Error("failed to initialize chat session")
		return
	}

	if err := c.start(ctx, session); err != nil {
		logger.WithError(err).Error("failed to load chat session")
		return
	}
	logger.Info("chat session initialized")
}

// Resume marks an initialized visitor session online again and applies name
// and email when given. It initializes the controller first if needed.
func (c *Controller) Resume(ctx context.Context, name, email string) {
	if !c.isInitialized() {
		c.InitializeSession(ctx, name, email)
		return
	}
	if c.ids == nil {
		return
	}
	sessionID := c.SessionID()
	if _, err := c.markOnline(ctx, sessionID, name, email); err != nil {
		c.logger.WithError(err).WithField("session_id", sessionID).Error("failed to resume chat session")
	}
}

func (c *Controller) createSession(ctx context.Context, sessionID, name, email string) (chat.Session, error) {
	session, err := c.store.CreateSession(ctx, chat.Session{
		ID:       sessionID,
		Name:     name,
		Email:    email,
		IsOnline: true,
		LastSeen: c.now(),
	})
	if errors.Is(err, store.ErrSessionExists) {
		// Another tab won the race; resume its record instead.
		return c.markOnline(ctx, sessionID, name, email)
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}

	welcome := c.profile.OpeningLine
	if welcome == "" {
		welcome = DefaultWelcome
	}
	_, err = c.store.InsertMessage(ctx, chat.Message{
		SessionID: sessionID,
		Text:      welcome,
		Sender:    chat.SenderAdmin,
		Status:    chat.InitialStatus(chat.SenderAdmin),
		CreatedAt: c.now(),
	})
	if err != nil {
		return chat.Session{}, fmt.Errorf("insert welcome message: %w", err)
	}
	return session, nil
}

func (c *Controller) markOnline(ctx context.Context, sessionID, name, email string) (chat.Session, error) {
	online := true
	session, err := c.store.UpdateSession(ctx, sessionID, store.SessionUpdate{
		IsOnline: &online,
		Name:     name,
		Email:    email,
		LastSeen: c.now(),
	})
	if err != nil {
		return chat.Session{}, fmt.Errorf("resume session: %w", err)
	}
	return session, nil
}

// Attach opens an existing session for an operator without touching presence.
func (c *Controller) Attach(ctx context.Context, sessionID string) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.isInitialized() {
		if c.SessionID() != sessionID {
			return fmt.Errorf("controller already attached to %s", c.SessionID())
		}
		return nil
	}
	if c.ctx.Err() != nil {
		return errors.New("controller closed")
	}

	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return c.start(ctx, session)
}

func (c *Controller) start(ctx context.Context, session chat.Session) error {
	msgSub, sessSub, err := c.subscribe(session.ID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = session.ID
	c.session = session
	c.mu.Unlock()

	if err := c.sync(ctx, session.ID); err != nil {
		msgSub.Close()
		sessSub.Close()
		return err
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(session.ID, msgSub, sessSub)
	return nil
}

func (c *Controller) subscribe(sessionID string) (*store.Subscription, *store.Subscription, error) {
	msgSub, err := c.store.Subscribe(c.ctx, messageFilter(sessionID))
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe messages: %w", err)
	}
	sessSub, err := c.store.Subscribe(c.ctx, sessionFilter())
	if err != nil {
		msgSub.Close()
		return nil, nil, fmt.Errorf("subscribe sessions: %w", err)
	}
	return msgSub, sessSub, nil
}

func messageFilter(sessionID string) store.Filter {
	return store.Filter{SessionID: sessionID, Tables: []string{chat.TableMessages}}
}

func sessionFilter() store.Filter {
	return store.Filter{Tables: []string{chat.TableSessions}}
}

// sync reloads history and presence from the store of record.
func (c *Controller) sync(ctx context.Context, sessionID string) error {
	history, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	sessions, err := c.store.ListSessions(ctx, true)
	if err != nil {
		return fmt.Errorf("load online sessions: %w", err)
	}

	c.messages.Merge(history)

	online := make(map[string]chat.Session, len(sessions))
	for _, s := range sessions {
		online[s.ID] = s
	}
	c.mu.Lock()
	c.online = online
	if s, ok := online[sessionID]; ok {
		c.session = s
	}
	c.mu.Unlock()
	return nil
}

// run applies change events one at a time in arrival order.
func (c *Controller) run(sessionID string, msgSub, sessSub *store.Subscription) {
	defer c.wg.Done()
	defer func() {
		if msgSub != nil {
			msgSub.Close()
		}
		if sessSub != nil {
			sessSub.Close()
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-msgSub.Events():
			if !ok {
				if msgSub = c.resubscribe(sessionID, msgSub, messageFilter(sessionID)); msgSub == nil {
					return
				}
				continue
			}
			c.apply(sessionID, ev)
		case ev, ok := <-sessSub.Events():
			if !ok {
				if sessSub = c.resubscribe(sessionID, sessSub, sessionFilter()); sessSub == nil {
					return
				}
				continue
			}
			c.apply(sessionID, ev)
		}
	}
}

func (c *Controller) resubscribe(sessionID string, ended *store.Subscription, filter store.Filter) *store.Subscription {
	if c.ctx.Err() != nil {
		return nil
	}
	logger := c.logger.WithField("session_id", sessionID)
	logger.WithError(ended.Err()).Warn("change feed subscription ended, resubscribing")

	wait := c.backoff
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(wait):
		}

		sub, err := c.store.Subscribe(c.ctx, filter)
		if err == nil {
			ctx, cancel := context.WithTimeout(c.ctx, syncTimeout)
			err = c.sync(ctx, sessionID)
			cancel()
			if err == nil {
				logger.Info("change feed resubscribed")
				return sub
			}
			sub.Close()
		}

		logger.WithError(err).Warn("resubscribe failed")
		wait *= 2
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
}

func (c *Controller) apply(sessionID string, ev chat.Event) {
	switch {
	case ev.Message != nil:
		if ev.Message.SessionID != sessionID || !c.messages.Apply(*ev.Message) {
			return
		}
	case ev.Session != nil:
		s := *ev.Session
		c.mu.Lock()
		if s.IsOnline {
			c.online[s.ID] = s
		} else {
			delete(c.online, s.ID)
		}
		if s.ID == sessionID {
			c.session = s
		}
		c.mu.Unlock()
	default:
		return
	}
	c.notify(ev)
}

// AddMessage stores a new message. The local list picks it up from the change
// feed, so it shows the order the store broadcasts.
func (c *Controller) AddMessage(ctx context.Context, sender chat.Sender, text string, meta *UserMeta) {
	msg := chat.Message{Sender: sender, Status: chat.InitialStatus(sender)}
	if meta != nil {
		msg.UserName = meta.Name
	}
	inserted, ok := c.insert(ctx, msg, text)
	if !ok || sender != chat.SenderUser {
		return
	}
	if meta != nil {
		c.applyUserMeta(ctx, *meta)
	}
	if c.responder != nil {
		c.responder.ScheduleReply(inserted)
	}
}

func (c *Controller) applyUserMeta(ctx context.Context, meta UserMeta) {
	session, _ := c.Session()
	name, email := strings.TrimSpace(meta.Name), strings.TrimSpace(meta.Email)
	if name == session.Name {
		name = ""
	}
	if email == session.Email {
		email = ""
	}
	if name == "" && email == "" {
		return
	}
	if _, err := c.store.UpdateSession(ctx, session.ID, store.SessionUpdate{Name: name, Email: email, LastSeen: c.now()}); err != nil {
		c.logger.WithError(err).WithField("session_id", session.ID).Warn("failed to update visitor details")
	}
}

// AddAdminReply stores an operator reply, optionally referencing a message.
func (c *Controller) AddAdminReply(ctx context.Context, text, replyToID string) {
	c.insert(ctx, chat.Message{
		Sender:    chat.SenderAdmin,
		Status:    chat.InitialStatus(chat.SenderAdmin),
		ReplyToID: replyToID,
	}, text)
}

func (c *Controller) insert(ctx context.Context, msg chat.Message, text string) (chat.Message, bool) {
	msg.Text = strings.TrimSpace(text)
	if msg.Text == "" {
		c.logger.Warn("ignoring empty message")
		return chat.Message{}, false
	}
	if !msg.Sender.Valid() {
		c.logger.WithField("sender", msg.Sender).Warn("ignoring message with unknown sender")
		return chat.Message{}, false
	}

	sessionID := c.SessionID()
	if sessionID == "" {
		c.logger.Warn("message sent before session initialized")
		return chat.Message{}, false
	}
	msg.SessionID = sessionID
	msg.CreatedAt = c.now()

	inserted, err := c.store.InsertMessage(ctx, msg)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"sender":     msg.Sender.String(),
		}).Error("failed to store message")
		return chat.Message{}, false
	}
	return inserted, true
}

// MarkAsRead moves a message to read. Unknown or already read messages are ignored.
func (c *Controller) MarkAsRead(ctx context.Context, messageID string) {
	msg, ok := c.messages.Get(messageID)
	if !ok || msg.Status == chat.StatusRead {
		return
	}
	if _, _, err := c.store.UpdateMessageStatus(ctx, messageID, chat.StatusRead); err != nil {
		c.logger.WithError(err).WithField("message_id", messageID).Error("failed to mark message read")
	}
}

// UpdateUserStatus records presence and refreshes last seen.
func (c *Controller) UpdateUserStatus(ctx context.Context, sessionID string, isOnline bool) {
	_, err := c.store.UpdateSession(ctx, sessionID, store.SessionUpdate{
		IsOnline: &isOnline,
		LastSeen: c.now(),
	})
	if err != nil {
		c.logger.WithError(err).WithField("session_id", sessionID).Error("failed to update presence")
	}
}

// UnreadCount counts visitor messages not yet read.
func (c *Controller) UnreadCount() int {
	return c.messages.UnreadCount()
}

// Messages returns the current ordered message list.
func (c *Controller) Messages() []chat.Message {
	return c.messages.Snapshot()
}

// Session returns the session record, once initialized.
func (c *Controller) Session() (chat.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.sessionID != ""
}

// SessionID returns the bound session id or "".
func (c *Controller) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// OnlineSessions lists sessions currently marked online.
func (c *Controller) OnlineSessions() []chat.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sessions := make([]chat.Session, 0, len(c.online))
	for _, s := range c.online {
		sessions = append(sessions, s)
	}
	return sessions
}

// Initialized reports whether the session has been loaded.
func (c *Controller) Initialized() bool {
	return c.isInitialized()
}

func (c *Controller) isInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Listen registers fn for every applied change and typing signal. Changes are
// delivered in order from the event goroutine; typing signals come from the
// responder's caller and timer goroutines. fn may therefore run concurrently
// with itself and must be safe for that and must not block.
func (c *Controller) Listen(fn func(chat.Event)) (cancel func()) {
	c.mu.Lock()
	c.nextListen++
	id := c.nextListen
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify(ev chat.Event) {
	c.mu.RLock()
	listeners := make([]func(chat.Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// Close unsubscribes, cancels pending replies and waits for the event loop.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		// Wait out an in-flight InitializeSession or Attach so its goroutine is counted.
		c.initMu.Lock()
		c.initMu.Unlock()
		if c.responder != nil {
			c.responder.Close()
		}
		c.wg.Wait()
	})
}
