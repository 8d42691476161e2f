package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/live-support/backend/internal/service/chat"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	outboxSize   = 64
)

// Frame types.
const (
	FrameSnapshot = "snapshot"
	FrameEvent    = "event"
	FrameError    = "error"
	FrameMessage  = "message"
	FramePresence = "presence"
	FrameRead     = "read"
)

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MessageFrame 访客发送的文本消息
type MessageFrame struct {
	Text  string `json:"text"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// PresenceFrame 页面可见性变化
type PresenceFrame struct {
	Visible bool `json:"visible"`
}

// ReadFrame 标记消息已读
type ReadFrame struct {
	MessageID string `json:"messageId"`
}

// OutgoingFrame is every server to client frame.
type OutgoingFrame struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// handleWebSocket 处理访客实时连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	respHeader := http.Header{}
	ctrl, release, ok := h.acquire(w, r, respHeader, r.URL.Query().Get("name"), r.URL.Query().Get("email"), true)
	if !ok {
		return
	}
	defer release()

	sessionID := ctrl.SessionID()
	logger := h.logger.WithField("session_id", sessionID)

	conn, err := h.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	untrack := h.trackSocket(sessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outbox := make(chan OutgoingFrame, outboxSize)
	stopListening := ctrl.Listen(func(ev chat.Event) {
		if ev.Session == nil && ev.SessionID() != sessionID {
			return
		}
		if ev.Session != nil && ev.Session.ID != sessionID {
			// Other visitors only matter as a count.
			ev = chat.Event{Kind: ev.Kind, Table: ev.Table, Session: &chat.Session{ID: ev.Session.ID, IsOnline: ev.Session.IsOnline}}
		}
		select {
		case outbox <- newFrame(FrameEvent, sessionID, ev):
		default:
			logger.Warn("websocket outbox full, dropping connection")
			cancel()
		}
	})
	defer stopListening()

	outbox <- newFrame(FrameSnapshot, sessionID, viewOf(ctrl))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, outbox, logger)
	}()

	logger.Info("visitor connected")
	h.readLoop(ctx, conn, ctrl, outbox, logger)
	cancel()
	<-writerDone

	// 最后一个连接断开才视为离线。
	if untrack() {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), writeWait)
		defer offlineCancel()
		ctrl.UpdateUserStatus(offlineCtx, sessionID, false)
	}
	logger.Info("visitor disconnected")
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, ctrl *chatservice.Controller, outbox chan<- OutgoingFrame, logger logrus.FieldLogger) {
	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Warn("websocket read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if msg := h.handleFrame(ctx, ctrl, frame); msg != "" {
			select {
			case outbox <- newFrame(FrameError, ctrl.SessionID(), map[string]string{"message": msg}):
			default:
			}
		}
	}
}

// handleFrame applies one inbound frame and returns an error message for the client, if any.
func (h *Handler) handleFrame(ctx context.Context, ctrl *chatservice.Controller, frame inboundFrame) string {
	switch frame.Type {
	case FrameMessage:
		var payload MessageFrame
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return "invalid message payload"
		}
		if payload.Text == "" {
			return "text is required"
		}
		ctrl.AddMessage(ctx, chat.SenderUser, payload.Text, userMeta(payload.Name, payload.Email))
	case FramePresence:
		var payload PresenceFrame
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return "invalid presence payload"
		}
		ctrl.UpdateUserStatus(ctx, ctrl.SessionID(), payload.Visible)
	case FrameRead:
		var payload ReadFrame
		if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.MessageID == "" {
			return "invalid read payload"
		}
		ctrl.MarkAsRead(ctx, payload.MessageID)
	default:
		return "unsupported frame type: " + frame.Type
	}
	return ""
}

// writeLoop 是连接上唯一的写入者，同时负责心跳。
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, outbox <-chan OutgoingFrame, logger logrus.FieldLogger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case frame := <-outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				logger.WithError(err).Debug("websocket write failed")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func newFrame(kind, sessionID string, data interface{}) OutgoingFrame {
	return OutgoingFrame{
		Type:      kind,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}
