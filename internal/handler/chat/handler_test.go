package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/live-support/backend/internal/model/agent"
	"github.com/zhouzirui/live-support/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/live-support/backend/internal/service/chat"
	"github.com/zhouzirui/live-support/backend/internal/service/identity"
	"github.com/zhouzirui/live-support/backend/internal/store"
	"github.com/zhouzirui/live-support/backend/pkg/logger"
)

type testEnv struct {
	server *httptest.Server
	store  *store.Memory
	client *http.Client
}

func setup(t *testing.T, responder *chatservice.ResponderConfig) *testEnv {
	t.Helper()
	st := store.NewMemory()
	hub := chatservice.NewHub(chatservice.FactoryConfig{
		Store:     st,
		Logger:    logger.Discard(),
		Profile:   agent.Seed()[0],
		Responder: responder,
	}.Build(), time.Minute, logger.Discard())

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		New(hub, st, logger.Discard(), Options{AllowedOrigins: []string{"*"}}).RegisterRoutes(api)
	})
	server := httptest.NewServer(r)
	t.Cleanup(func() {
		server.Close()
		hub.Close()
		st.Close()
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testEnv{server: server, store: st, client: &http.Client{Jar: jar}}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := e.client.Post(e.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) sessionCookie(t *testing.T) *http.Cookie {
	t.Helper()
	u, _ := url.Parse(e.server.URL)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == identity.StorageKey {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestInitSessionIssuesCookieAndWelcome(t *testing.T) {
	env := setup(t, nil)

	resp := env.post(t, "/api/chat/session", map[string]string{"name": "Ann"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view sessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.True(t, identity.ValidToken(view.Session.ID))
	assert.Equal(t, "Ann", view.Session.Name)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, chat.SenderAdmin, view.Messages[0].Sender)
	assert.Equal(t, 0, view.UnreadCount)
	assert.Equal(t, view.Session.ID, env.sessionCookie(t).Value)

	again := env.post(t, "/api/chat/session", nil)
	var resumed sessionView
	require.NoError(t, json.NewDecoder(again.Body).Decode(&resumed))
	assert.Equal(t, view.Session.ID, resumed.Session.ID)
	assert.Len(t, resumed.Messages, 1)
}

func TestSendMessageValidation(t *testing.T) {
	env := setup(t, nil)

	resp := env.post(t, "/api/chat/messages", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/chat/messages", strings.NewReader("{broken"))
	bad, err := env.client.Do(req)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestSendMessageGetsReply(t *testing.T) {
	env := setup(t, &chatservice.ResponderConfig{MinDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond})

	resp := env.post(t, "/api/chat/messages", map[string]string{"text": "Where is my deposit?"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sessionID := env.sessionCookie(t).Value

	var body struct {
		SessionID   string         `json:"sessionId"`
		Messages    []chat.Message `json:"messages"`
		UnreadCount int            `json:"unreadCount"`
	}
	require.Eventually(t, func() bool {
		get, err := env.client.Get(env.server.URL + "/api/chat/messages")
		if err != nil {
			return false
		}
		defer get.Body.Close()
		return json.NewDecoder(get.Body).Decode(&body) == nil && len(body.Messages) == 3
	}, 2*time.Second, 10*time.Millisecond)

	history, err := env.store.ListMessages(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Equal(t, sessionID, body.SessionID)
	require.Len(t, body.Messages, 3)
	assert.Equal(t, "Where is my deposit?", body.Messages[1].Text)
	assert.Equal(t, body.Messages[1].ID, body.Messages[2].ReplyToID)
	assert.Equal(t, 1, body.UnreadCount)
}

func TestBeaconMarksOffline(t *testing.T) {
	env := setup(t, nil)

	anonymous, err := http.Post(env.server.URL+"/api/chat/beacon", "text/plain", nil)
	require.NoError(t, err)
	anonymous.Body.Close()
	assert.Equal(t, http.StatusNoContent, anonymous.StatusCode)

	env.post(t, "/api/chat/session", nil)
	sessionID := env.sessionCookie(t).Value

	resp := env.post(t, "/api/chat/beacon", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	session, err := env.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.False(t, session.IsOnline)
}

func TestReloadAfterBeaconResumesSession(t *testing.T) {
	env := setup(t, nil)
	env.post(t, "/api/chat/session", nil)
	sessionID := env.sessionCookie(t).Value

	env.post(t, "/api/chat/beacon", nil)
	resp := env.post(t, "/api/chat/session", map[string]string{"name": "Ann", "email": "ann@example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	session, err := env.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, session.IsOnline, "reloaded page must bring the session back online")
	assert.Equal(t, "Ann", session.Name)
	assert.Equal(t, "ann@example.com", session.Email)

	var view sessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Len(t, view.Messages, 1, "resume must not greet twice")
}

func isOnline(env *testEnv, sessionID string) func() bool {
	return func() bool {
		session, err := env.store.GetSession(context.Background(), sessionID)
		return err == nil && session.IsOnline
	}
}

func isOffline(env *testEnv, sessionID string) func() bool {
	return func() bool {
		session, err := env.store.GetSession(context.Background(), sessionID)
		return err == nil && !session.IsOnline
	}
}

func TestWebSocketReconnectGoesOnlineAgain(t *testing.T) {
	env := setup(t, nil)
	env.post(t, "/api/chat/session", nil)
	cookie := env.sessionCookie(t)

	first, _ := dial(t, env, cookie)
	readUntil(t, first, func(f rawFrame) bool { return f.Type == FrameSnapshot })
	require.NoError(t, first.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, isOffline(env, cookie.Value), 2*time.Second, 10*time.Millisecond)

	second, _ := dial(t, env, cookie)
	readUntil(t, second, func(f rawFrame) bool { return f.Type == FrameSnapshot })
	assert.True(t, isOnline(env, cookie.Value)())
}

func TestClosingOneOfTwoTabsKeepsSessionOnline(t *testing.T) {
	env := setup(t, nil)
	env.post(t, "/api/chat/session", nil)
	cookie := env.sessionCookie(t)

	tabA, _ := dial(t, env, cookie)
	readUntil(t, tabA, func(f rawFrame) bool { return f.Type == FrameSnapshot })
	tabB, _ := dial(t, env, cookie)
	readUntil(t, tabB, func(f rawFrame) bool { return f.Type == FrameSnapshot })

	require.NoError(t, tabA.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	env.post(t, "/api/chat/beacon", nil)
	assert.Never(t, isOffline(env, cookie.Value), 200*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, tabB.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, isOffline(env, cookie.Value), 2*time.Second, 10*time.Millisecond)
}

func dial(t *testing.T, env *testEnv, cookie *http.Cookie) (*websocket.Conn, *http.Response) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/chat/ws"
	header := http.Header{}
	if cookie != nil {
		header.Set("Cookie", cookie.String())
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, resp
}

type rawFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(rawFrame) bool) rawFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var frame rawFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if match(frame) {
			return frame
		}
	}
}

func messageEvent(text string, sender chat.Sender) func(rawFrame) bool {
	return func(f rawFrame) bool {
		if f.Type != FrameEvent {
			return false
		}
		var ev chat.Event
		if json.Unmarshal(f.Data, &ev) != nil || ev.Message == nil {
			return false
		}
		return ev.Kind == chat.EventInsert && ev.Message.Sender == sender && (text == "" || ev.Message.Text == text)
	}
}

func TestWebSocketConversation(t *testing.T) {
	env := setup(t, &chatservice.ResponderConfig{MinDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond})

	conn, resp := dial(t, env, nil)
	issued := (&http.Response{Header: resp.Header}).Cookies()
	require.Len(t, issued, 1)
	sessionID := issued[0].Value

	snapshot := readUntil(t, conn, func(f rawFrame) bool { return f.Type == FrameSnapshot })
	var view sessionView
	require.NoError(t, json.Unmarshal(snapshot.Data, &view))
	assert.Equal(t, sessionID, view.Session.ID)
	require.Len(t, view.Messages, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": FrameMessage, "data": MessageFrame{Text: "Where is my deposit?"}}))
	readUntil(t, conn, messageEvent("Where is my deposit?", chat.SenderUser))
	readUntil(t, conn, messageEvent("", chat.SenderAdmin))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))
	readUntil(t, conn, func(f rawFrame) bool { return f.Type == FrameError })

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		session, err := env.store.GetSession(context.Background(), sessionID)
		return err == nil && !session.IsOnline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketPresenceAndRead(t *testing.T) {
	env := setup(t, nil)
	env.post(t, "/api/chat/messages", map[string]string{"text": "hello"})
	cookie := env.sessionCookie(t)
	require.Eventually(t, func() bool {
		resp, err := env.client.Get(env.server.URL + "/api/chat/messages")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Messages []chat.Message `json:"messages"`
		}
		return json.NewDecoder(resp.Body).Decode(&body) == nil && len(body.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	conn, _ := dial(t, env, cookie)
	snapshot := readUntil(t, conn, func(f rawFrame) bool { return f.Type == FrameSnapshot })
	var view sessionView
	require.NoError(t, json.Unmarshal(snapshot.Data, &view))
	require.Len(t, view.Messages, 2)
	assert.Equal(t, 1, view.UnreadCount)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": FrameRead, "data": ReadFrame{MessageID: view.Messages[1].ID}}))
	readUntil(t, conn, func(f rawFrame) bool {
		var ev chat.Event
		return f.Type == FrameEvent && json.Unmarshal(f.Data, &ev) == nil &&
			ev.Kind == chat.EventUpdate && ev.Message != nil && ev.Message.Status == chat.StatusRead
	})

	require.NoError(t, conn.WriteJSON(map[string]any{"type": FramePresence, "data": PresenceFrame{Visible: false}}))
	require.Eventually(t, func() bool {
		session, err := env.store.GetSession(context.Background(), cookie.Value)
		return err == nil && !session.IsOnline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://shop.example"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://shop.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}
