package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/live-support/backend/internal/model/agent"
	"github.com/zhouzirui/live-support/backend/internal/service/identity"
	"github.com/zhouzirui/live-support/backend/internal/store"
)

// ErrHubClosed is returned by Acquire after Close.
var ErrHubClosed = errors.New("chat hub closed")

// Factory builds the controller for one visitor session.
type Factory func(sessionID string) *Controller

// FactoryConfig describes how per-session controllers are built.
type FactoryConfig struct {
	Store   store.Store
	Logger  logrus.FieldLogger
	Profile agent.Profile
	// Responder enables the reply simulator when non-nil.
	Responder *ResponderConfig
}

// Build returns a Factory. Each controller gets its own identity storage
// pinned to the session id and, if configured, its own responder.
func (cfg FactoryConfig) Build() Factory {
	return func(sessionID string) *Controller {
		ids := identity.NewManager(identity.NewMemoryStorage(map[string]string{identity.StorageKey: sessionID}), cfg.Logger)
		opts := []Option{WithLogger(cfg.Logger), WithProfile(cfg.Profile)}
		if cfg.Responder != nil {
			rc := *cfg.Responder
			if rc.Fallback == nil {
				rc.Fallback = NewCannedReplies(cfg.Profile.CannedReplies, nil)
			}
			opts = append(opts, WithResponder(NewResponder(rc, cfg.Logger)))
		}
		return NewController(cfg.Store, ids, opts...)
	}
}

type hubEntry struct {
	ctrl *Controller
	refs int
	idle *time.Timer
}

// Hub keeps one controller per visitor session while it is in use and for
// idleTTL afterwards, so pending replies survive short gaps between requests.
type Hub struct {
	factory Factory
	idleTTL time.Duration
	logger  logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]*hubEntry
	closed  bool
}

// NewHub creates a hub.
func NewHub(factory Factory, idleTTL time.Duration, logger logrus.FieldLogger) *Hub {
	return &Hub{
		factory: factory,
		idleTTL: idleTTL,
		logger:  logger.WithField("component", "hub"),
		entries: make(map[string]*hubEntry),
	}
}

// Acquire returns the initialized controller for sessionID. release must be
// called exactly once when the caller is done with it.
func (h *Hub) Acquire(ctx context.Context, sessionID, name, email string) (*Controller, func(), error) {
	ctrl, release, _, err := h.acquire(ctx, sessionID, name, email)
	return ctrl, release, err
}

// Resume is Acquire for a visitor (re)opening the page: a controller kept
// alive from an earlier visit marks the session online again.
func (h *Hub) Resume(ctx context.Context, sessionID, name, email string) (*Controller, func(), error) {
	ctrl, release, created, err := h.acquire(ctx, sessionID, name, email)
	if err != nil {
		return nil, nil, err
	}
	if !created {
		ctrl.Resume(ctx, name, email)
	}
	return ctrl, release, nil
}

func (h *Hub) acquire(ctx context.Context, sessionID, name, email string) (*Controller, func(), bool, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, false, ErrHubClosed
	}
	entry, ok := h.entries[sessionID]
	if !ok {
		entry = &hubEntry{ctrl: h.factory(sessionID)}
		h.entries[sessionID] = entry
	}
	if entry.idle != nil {
		entry.idle.Stop()
		entry.idle = nil
	}
	entry.refs++
	h.mu.Unlock()

	entry.ctrl.InitializeSession(ctx, name, email)

	var once sync.Once
	release := func() {
		once.Do(func() { h.release(sessionID, entry) })
	}
	return entry.ctrl, release, !ok, nil
}

func (h *Hub) release(sessionID string, entry *hubEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry.refs--
	if entry.refs > 0 || h.closed {
		return
	}
	entry.idle = time.AfterFunc(h.idleTTL, func() { h.expire(sessionID, entry) })
}

func (h *Hub) expire(sessionID string, entry *hubEntry) {
	h.mu.Lock()
	current, ok := h.entries[sessionID]
	if !ok || current != entry || entry.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.entries, sessionID)
	h.mu.Unlock()

	entry.ctrl.Close()
	h.logger.WithField("session_id", sessionID).Debug("idle chat controller closed")
}

// Lookup returns the live controller for sessionID without acquiring it.
func (h *Hub) Lookup(sessionID string) (*Controller, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[sessionID]
	if !ok {
		return nil, false
	}
	return entry.ctrl, true
}

// Len returns the number of live controllers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Close tears down every controller.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	entries := h.entries
	h.entries = make(map[string]*hubEntry)
	h.mu.Unlock()

	for _, entry := range entries {
		if entry.idle != nil {
			entry.idle.Stop()
		}
		entry.ctrl.Close()
	}
}
