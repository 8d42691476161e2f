package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/live-support/backend/internal/analysis/mood"
	"github.com/zhouzirui/live-support/backend/internal/model/chat"
	"github.com/zhouzirui/live-support/backend/internal/service/identity"
)

const defaultTimeout = 15 * time.Second

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client talks to the live support API as a visitor and, with a code, as an operator.
type Client struct {
	base      *url.URL
	http      *http.Client
	ids       *identity.Manager
	adminCode string
}

// Option configures a Client.
type Option func(*Client)

// WithIdentity sets where the visitor token is kept.
func WithIdentity(ids *identity.Manager) Option {
	return func(c *Client) { c.ids = ids }
}

// WithAdminCode sets the shared operator code.
func WithAdminCode(code string) Option {
	return func(c *Client) { c.adminCode = code }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates an API client for server, e.g. http://localhost:8080.
func New(server string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", server)
	}
	c := &Client{base: base, http: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SessionView mirrors the visitor session payload.
type SessionView struct {
	Session     chat.Session   `json:"session"`
	Messages    []chat.Message `json:"messages"`
	UnreadCount int            `json:"unreadCount"`
	OnlineCount int            `json:"onlineCount"`
}

// History is a message list with its unread count.
type History struct {
	SessionID   string         `json:"sessionId"`
	Messages    []chat.Message `json:"messages"`
	UnreadCount int            `json:"unreadCount"`
}

// SessionSummary mirrors one admin session row.
type SessionSummary struct {
	chat.Session
	UnreadCount  int           `json:"unreadCount"`
	MessageCount int           `json:"messageCount"`
	LastMessage  *chat.Message `json:"lastMessage,omitempty"`
	Mood         mood.Decision `json:"mood"`
}

// Frame is one WebSocket frame from the server.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// StartSession creates or resumes the visitor session.
func (c *Client) StartSession(ctx context.Context, name, email string) (SessionView, error) {
	var view SessionView
	err := c.do(ctx, http.MethodPost, "/api/chat/session", map[string]string{"name": name, "email": email}, &view, false)
	return view, err
}

// Send posts a visitor message.
func (c *Client) Send(ctx context.Context, text, name string) error {
	return c.do(ctx, http.MethodPost, "/api/chat/messages", map[string]string{"text": text, "name": name}, nil, false)
}

// History returns the visitor's messages.
func (c *Client) History(ctx context.Context) (History, error) {
	var h History
	err := c.do(ctx, http.MethodGet, "/api/chat/messages", nil, &h, false)
	return h, err
}

// Watch streams frames to fn until ctx ends or the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(Frame)) error {
	wsURL := *c.base
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/api/chat/ws"

	header := http.Header{}
	if cookie := c.visitorCookie(); cookie != nil {
		header.Set("Cookie", cookie.String())
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		return fmt.Errorf("connect websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		fn(frame)
	}
}

// Sessions lists sessions for operators.
func (c *Client) Sessions(ctx context.Context, onlineOnly bool) ([]SessionSummary, error) {
	path := "/api/admin/sessions"
	if onlineOnly {
		path += "?online=true"
	}
	var out []SessionSummary
	err := c.do(ctx, http.MethodGet, path, nil, &out, true)
	return out, err
}

// SessionMessages returns one session's history for operators.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) (History, error) {
	var h History
	err := c.do(ctx, http.MethodGet, "/api/admin/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &h, true)
	return h, err
}

// Reply posts an operator reply.
func (c *Client) Reply(ctx context.Context, sessionID, text, replyToID string) error {
	body := map[string]string{"text": text, "replyToId": replyToID}
	return c.do(ctx, http.MethodPost, "/api/admin/sessions/"+url.PathEscape(sessionID)+"/replies", body, nil, true)
}

// MarkRead marks a visitor message read.
func (c *Client) MarkRead(ctx context.Context, sessionID, messageID string) error {
	path := "/api/admin/sessions/" + url.PathEscape(sessionID) + "/messages/" + url.PathEscape(messageID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil, true)
}

func (c *Client) visitorCookie() *http.Cookie {
	if c.ids == nil {
		return nil
	}
	return &http.Cookie{Name: identity.StorageKey, Value: c.ids.ResumeOrCreate()}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, admin bool) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		if c.adminCode == "" {
			return errors.New("admin code required: pass --code or set ADMIN_CODE")
		}
		req.Header.Set("X-Admin-Code", c.adminCode)
	} else if cookie := c.visitorCookie(); cookie != nil {
		req.AddCookie(cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
