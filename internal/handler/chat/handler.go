package chat

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/live-support/backend/internal/service/chat"
	"github.com/zhouzirui/live-support/backend/internal/service/identity"
	"github.com/zhouzirui/live-support/backend/internal/store"
	"github.com/zhouzirui/live-support/backend/pkg/utils"
)

// Options tunes the visitor handler.
type Options struct {
	SecureCookie   bool
	AllowedOrigins []string
}

// Handler 访客聊天的HTTP与WebSocket处理器
type Handler struct {
	hub      *chatservice.Hub
	store    store.Store
	logger   logrus.FieldLogger
	secure   bool
	upgrader websocket.Upgrader

	// 每个会话当前打开的 WebSocket 数
	socketsMu sync.Mutex
	sockets   map[string]int
}

// New 创建聊天处理器
func New(hub *chatservice.Hub, st store.Store, logger logrus.FieldLogger, opts Options) *Handler {
	return &Handler{
		hub:     hub,
		store:   st,
		logger:  logger.WithField("component", "chat-handler"),
		secure:  opts.SecureCookie,
		sockets: make(map[string]int),
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(opts.AllowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Post("/session", h.handleInitSession)
		r.Get("/messages", h.handleListMessages)
		r.Post("/messages", h.handleSendMessage)
		r.Post("/beacon", h.handleBeacon)
		r.Get("/ws", h.handleWebSocket)
	})
}

type sessionView struct {
	Session     chat.Session   `json:"session"`
	Messages    []chat.Message `json:"messages"`
	UnreadCount int            `json:"unreadCount"`
	OnlineCount int            `json:"onlineCount"`
}

func viewOf(ctrl *chatservice.Controller) sessionView {
	session, _ := ctrl.Session()
	return sessionView{
		Session:     session,
		Messages:    ctrl.Messages(),
		UnreadCount: ctrl.UnreadCount(),
		OnlineCount: len(ctrl.OnlineSessions()),
	}
}

// resolveSession 读取或签发访客 cookie，Set-Cookie 写入 header。
func (h *Handler) resolveSession(r *http.Request, header http.Header) string {
	storage := identity.CookieStorage{Request: r, Header: header, Secure: h.secure}
	return identity.NewManager(storage, h.logger).ResumeOrCreate()
}

// acquire 获取会话控制器；resume 为 true 时视为访客重新打开页面，重新标记在线。
func (h *Handler) acquire(w http.ResponseWriter, r *http.Request, header http.Header, name, email string, resume bool) (*chatservice.Controller, func(), bool) {
	sessionID := h.resolveSession(r, header)
	get := h.hub.Acquire
	if resume {
		get = h.hub.Resume
	}
	ctrl, release, err := get(r.Context(), sessionID, strings.TrimSpace(name), strings.TrimSpace(email))
	if err != nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "chat unavailable")
		return nil, nil, false
	}
	if !ctrl.Initialized() {
		release()
		utils.RespondError(w, http.StatusServiceUnavailable, "chat session could not be loaded")
		return nil, nil, false
	}
	return ctrl, release, true
}

// handleInitSession 创建或恢复访客会话
func (h *Handler) handleInitSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctrl, release, ok := h.acquire(w, r, w.Header(), payload.Name, payload.Email, true)
	if !ok {
		return
	}
	defer release()

	utils.RespondJSON(w, http.StatusOK, viewOf(ctrl))
}

// handleListMessages 返回当前会话的历史消息
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctrl, release, ok := h.acquire(w, r, w.Header(), "", "", false)
	if !ok {
		return
	}
	defer release()

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId":   ctrl.SessionID(),
		"messages":    ctrl.Messages(),
		"unreadCount": ctrl.UnreadCount(),
	})
}

// handleSendMessage 访客发送消息，回复通过实时通道送达
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text  string `json:"text"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	ctrl, release, ok := h.acquire(w, r, w.Header(), payload.Name, "", false)
	if !ok {
		return
	}
	defer release()

	ctrl.AddMessage(r.Context(), chat.SenderUser, payload.Text, userMeta(payload.Name, payload.Email))
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleBeacon 页面卸载时标记离线，始终返回 204。
func (h *Handler) handleBeacon(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusNoContent)

	sessionID, err := identity.CookieStorage{Request: r}.Get(identity.StorageKey)
	if err != nil {
		return
	}
	h.markOffline(r, sessionID)
}

func (h *Handler) markOffline(r *http.Request, sessionID string) {
	if h.openSockets(sessionID) > 0 {
		// 另一个标签页仍在线，由其断开时处理。
		return
	}
	if ctrl, ok := h.hub.Lookup(sessionID); ok {
		ctrl.UpdateUserStatus(r.Context(), sessionID, false)
		return
	}
	offline := false
	_, err := h.store.UpdateSession(r.Context(), sessionID, store.SessionUpdate{
		IsOnline: &offline,
		LastSeen: time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		h.logger.WithError(err).WithField("session_id", sessionID).Warn("beacon presence update failed")
	}
}

func (h *Handler) openSockets(sessionID string) int {
	h.socketsMu.Lock()
	defer h.socketsMu.Unlock()
	return h.sockets[sessionID]
}

// trackSocket 登记一个连接，返回的函数注销它并报告是否为该会话最后一个连接。
func (h *Handler) trackSocket(sessionID string) func() bool {
	h.socketsMu.Lock()
	h.sockets[sessionID]++
	h.socketsMu.Unlock()

	var once sync.Once
	return func() bool {
		last := false
		once.Do(func() {
			h.socketsMu.Lock()
			defer h.socketsMu.Unlock()
			h.sockets[sessionID]--
			if h.sockets[sessionID] <= 0 {
				delete(h.sockets, sessionID)
				last = true
			}
		})
		return last
	}
}

func userMeta(name, email string) *chatservice.UserMeta {
	name, email = strings.TrimSpace(name), strings.TrimSpace(email)
	if name == "" && email == "" {
		return nil
	}
	return &chatservice.UserMeta{Name: name, Email: email}
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, candidate := range allowed {
			if strings.EqualFold(origin, candidate) {
				return true
			}
		}
		return false
	}
}
