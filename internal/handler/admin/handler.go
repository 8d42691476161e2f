package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/live-support/backend/internal/analysis/mood"
	"github.com/zhouzirui/live-support/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/live-support/backend/internal/service/chat"
	"github.com/zhouzirui/live-support/backend/internal/store"
	"github.com/zhouzirui/live-support/backend/pkg/utils"
)

// CodeHeader carries the shared admin code.
const CodeHeader = "X-Admin-Code"

const errInvalidCode = "Invalid authorization code."

// Handler 管理端接口：会话列表、历史、回复与已读。
type Handler struct {
	store  store.Store
	hub    *chatservice.Hub
	code   []byte
	logger logrus.FieldLogger
}

// New creates the admin handler. An empty code disables every admin route.
func New(st store.Store, hub *chatservice.Hub, code string, logger logrus.FieldLogger) *Handler {
	return &Handler{
		store:  st,
		hub:    hub,
		code:   []byte(code),
		logger: logger.WithField("component", "admin-handler"),
	}
}

// RegisterRoutes 注册管理端路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", h.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(h.requireCode)
			r.Get("/sessions", h.handleListSessions)
			r.Get("/sessions/{sessionID}/messages", h.handleListMessages)
			r.Post("/sessions/{sessionID}/replies", h.handleReply)
			r.Post("/sessions/{sessionID}/messages/{messageID}/read", h.handleMarkRead)
			r.Get("/events", h.handleEvents)
		})
	})
}

func (h *Handler) validCode(candidate string) bool {
	return len(h.code) > 0 && subtle.ConstantTimeCompare([]byte(candidate), h.code) == 1
}

// requireCode checks the header, or the code query parameter for EventSource clients.
func (h *Handler) requireCode(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.code) == 0 {
			utils.RespondError(w, http.StatusServiceUnavailable, "admin access is not configured")
			return
		}
		candidate := r.Header.Get(CodeHeader)
		if candidate == "" {
			candidate = r.URL.Query().Get("code")
		}
		if !h.validCode(candidate) {
			h.logger.WithField("remote", r.RemoteAddr).Warn("admin authorization failed")
			utils.RespondError(w, http.StatusUnauthorized, errInvalidCode)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if len(h.code) == 0 {
		utils.RespondError(w, http.StatusServiceUnavailable, "admin access is not configured")
		return
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.validCode(strings.TrimSpace(payload.Code)) {
		h.logger.WithField("remote", r.RemoteAddr).Warn("admin login failed")
		utils.RespondError(w, http.StatusUnauthorized, errInvalidCode)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"authorized": true})
}

// SessionSummary is one row of the admin session list.
type SessionSummary struct {
	chat.Session
	UnreadCount  int           `json:"unreadCount"`
	MessageCount int           `json:"messageCount"`
	LastMessage  *chat.Message `json:"lastMessage,omitempty"`
	Mood         mood.Decision `json:"mood"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := h.store.ListSessions(ctx, r.URL.Query().Get("online") == "true")
	if err != nil {
		h.logger.WithError(err).Error("list sessions failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	summaries := make([]SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		messages, err := h.store.ListMessages(ctx, session.ID)
		if err != nil {
			h.logger.WithError(err).WithField("session_id", session.ID).Error("list messages failed")
			utils.RespondError(w, http.StatusInternalServerError, "failed to list messages")
			return
		}
		summary := SessionSummary{
			Session:      session,
			UnreadCount:  chat.UnreadCount(messages),
			MessageCount: len(messages),
			Mood:         mood.Analyze(messages),
		}
		if n := len(messages); n > 0 {
			last := messages[n-1]
			summary.LastMessage = &last
		}
		summaries = append(summaries, summary)
	}

	// 在线优先，其次需要关注的情绪，最后按最近活跃排序。
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].IsOnline != summaries[j].IsOnline {
			return summaries[i].IsOnline
		}
		if a, b := summaries[i].Mood.NeedsAttention(), summaries[j].Mood.NeedsAttention(); a != b {
			return a
		}
		return summaries[i].LastSeen.After(summaries[j].LastSeen)
	})

	utils.RespondJSON(w, http.StatusOK, summaries)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.store.GetSession(r.Context(), sessionID); err != nil {
		h.respondStoreError(w, err)
		return
	}
	messages, err := h.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId":   sessionID,
		"messages":    messages,
		"unreadCount": chat.UnreadCount(messages),
	})
}

func (h *Handler) handleReply(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text      string `json:"text"`
		ReplyToID string `json:"replyToId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	ctrl, done, err := h.controller(r, chi.URLParam(r, "sessionID"), true)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	defer done()

	ctrl.AddAdminReply(r.Context(), payload.Text, payload.ReplyToID)
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	// A freshly attached controller has the store's latest history.
	ctrl, done, err := h.controller(r, chi.URLParam(r, "sessionID"), false)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	defer done()

	messageID := chi.URLParam(r, "messageID")
	if !hasMessage(ctrl.Messages(), messageID) {
		utils.RespondError(w, http.StatusNotFound, "message not found")
		return
	}
	ctrl.MarkAsRead(r.Context(), messageID)
	w.WriteHeader(http.StatusNoContent)
}

// controller returns the visitor's live controller when preferLive and there
// is one, else an operator controller attached just for this request.
func (h *Handler) controller(r *http.Request, sessionID string, preferLive bool) (*chatservice.Controller, func(), error) {
	if preferLive && h.hub != nil {
		if ctrl, ok := h.hub.Lookup(sessionID); ok && ctrl.Initialized() {
			return ctrl, func() {}, nil
		}
	}
	ctrl := chatservice.NewController(h.store, nil, chatservice.WithLogger(h.logger))
	if err := ctrl.Attach(r.Context(), sessionID); err != nil {
		ctrl.Close()
		return nil, nil, err
	}
	return ctrl, ctrl.Close, nil
}

func hasMessage(messages []chat.Message, id string) bool {
	for _, msg := range messages {
		if msg.ID == id {
			return true
		}
	}
	return false
}

func (h *Handler) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrMessageNotFound):
		utils.RespondError(w, http.StatusNotFound, "message not found")
	default:
		h.logger.WithError(err).Error("admin store call failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
