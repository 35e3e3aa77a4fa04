package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-realtime/internal/auth"
	"github.com/Tyrowin/nexus-realtime/internal/notification"
	"github.com/Tyrowin/nexus-realtime/internal/realtime"
)

const (
	testSecret       = "server-test-secret"
	testOrigin       = "http://app.example.com"
	testIngressToken = "ingress-secret"
)

type saveFailingStore struct {
	*notification.MemoryStore
}

func (saveFailingStore) Save(context.Context, *notification.Notification) error {
	return errors.New("store offline")
}

type testServer struct {
	*httptest.Server
	hub   *realtime.Hub
	store notification.Store
}

func newTestServer(t *testing.T, store notification.Store, cfg HandlerConfig) *testServer {
	t.Helper()

	if store == nil {
		store = notification.NewMemoryStore()
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.IngressToken == "" {
		cfg.IngressToken = testIngressToken
	}

	logger := zerolog.Nop()
	verifier := auth.NewJWTVerifier(testSecret)
	hub := realtime.NewHub(verifier, store, realtime.Options{
		IdleTimeout:      cfg.IdleTimeout,
		RateLimitBurst:   -1,
		StoreSaveRetries: 0,
		Logger:           logger,
	})
	go hub.Run()

	origins := NewOriginPolicy([]string{testOrigin}, logger)
	h := NewHandler(hub, store, verifier, origins, cfg, logger)
	srv := httptest.NewServer(SetupRoutes(h, origins, logger))

	t.Cleanup(func() {
		srv.Close()
		_ = hub.Shutdown(2 * time.Second)
	})
	return &testServer{Server: srv, hub: hub, store: store}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) dial(t *testing.T, credential string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + credential
	header := http.Header{}
	header.Set("Origin", testOrigin)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *testServer) dialUser(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := s.dial(t, token(t, userID))
	require.Eventually(t, func() bool {
		return len(s.hub.Connections().ConnectionsForUser(userID)) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, name string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": name, "data": data}))
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func expectNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return closeErr
	}
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, nil, HandlerConfig{})

	resp := srv.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Nexus realtime server is running!", string(body))

	resp = srv.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status.Status)
	assert.Zero(t, status.Connections)

	resp = srv.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/test", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
}

func TestWebSocketRejectsInvalidCredential(t *testing.T) {
	srv := newTestServer(t, nil, HandlerConfig{})

	conn := srv.dial(t, "not-a-jwt")

	closeErr := expectClose(t, conn, CloseCodeUnauthenticated)
	assert.Equal(t, "UNAUTHENTICATED", closeErr.Text)
	assert.Zero(t, srv.hub.Connections().Count())
}

func TestWebSocketAcceptsBearerHeader(t *testing.T) {
	srv := newTestServer(t, nil, HandlerConfig{})

	header := http.Header{}
	header.Set("Origin", testOrigin)
	header.Set("Authorization", "Bearer "+token(t, "alice"))
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return len(srv.hub.Connections().ConnectionsForUser("alice")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	srv := newTestServer(t, nil, HandlerConfig{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token(t, "alice")

	for _, origin := range []string{"", "http://evil.example.com"} {
		header := http.Header{}
		if origin != "" {
			header.Set("Origin", origin)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		if conn != nil {
			_ = conn.Close()
		}
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

func TestTaskUpdateEndToEnd(t *testing.T) {
	srv := newTestServer(t, nil, HandlerConfig{})
	x := srv.dialUser(t, "x")
	y := srv.dialUser(t, "y")

	sendEvent(t, x, realtime.EventJoinProject, "P1")
	require.Eventually(t, func() bool {
		return len(srv.hub.Rooms().Members("P1")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	sendEvent(t, y, realtime.EventJoinProject, map[string]string{"projectId": "P1"})
	joined := readEvent(t, x)
	assert.Equal(t, realtime.EventUserJoined, joined.Event)
	assert.JSONEq(t, `{"userId":"y","roomId":"P1"}`, string(joined.Data))

	sendEvent(t, x, realtime.EventTaskUpdate, map[string]any{
		"taskId":    7,
		"projectId": "P1",
		"update":    map[string]string{"status": "done"},
	})

	got := readEvent(t, y)
	assert.Equal(t, realtime.EventTaskUpdated, got.Event)
	assert.JSONEq(t, `{"taskId":7,"projectId":"P1","update":{"status":"done"},"updatedBy":"x"}`, string(got.Data))
	expectNoEvent(t, x)
}

func TestUnknownEventKeepsConnectionOpen(t *testing.T) {
	srv := newTestServer(t, nil, HandlerConfig{})
	conn := srv.dialUser(t, "alice")

	sendEvent(t, conn, "chat:wave", map[string]string{"projectId": "P1"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	sendEvent(t, conn, realtime.EventJoinProject, "P1")

	require.Eventually(t, func() bool {
		return len(srv.hub.Rooms().Members("P1")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	srv := newTestServer(t, nil, HandlerConfig{MaxMessageSize: 256})
	conn := srv.dialUser(t, "alice")
	c := srv.hub.Connections().ConnectionsForUser("alice")[0]

	big := strings.Repeat("x", 1024)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	// gorilla answers an over-limit frame with 1009 before the session
	// closes its own side.
	expectClose(t, conn, websocket.CloseMessageTooBig)
	require.Eventually(t, func() bool {
		return c.State() == realtime.StateClosed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, realtime.CloseProtocolViolation, c.CloseReason())
}

func TestIdleConnectionClosesWithIdleTimeout(t *testing.T) {
	srv := newTestServer(t, nil, HandlerConfig{IdleTimeout: 400 * time.Millisecond})
	conn := srv.dialUser(t, "alice")
	c := srv.hub.Connections().ConnectionsForUser("alice")[0]

	// Swallow pings so no pong keeps the session alive.
	conn.SetPingHandler(func(string) error { return nil })

	closeErr := expectClose(t, conn, CloseCodeIdleTimeout)
	assert.Equal(t, "idle timeout", closeErr.Text)
	require.Eventually(t, func() bool {
		return c.State() == realtime.StateClosed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, realtime.CloseIdleTimeout, c.CloseReason())
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	srv := newTestServer(t, nil, HandlerConfig{})
	conn := srv.dialUser(t, "alice")

	require.NoError(t, srv.hub.Shutdown(2*time.Second))

	expectClose(t, conn, websocket.CloseGoingAway)
}

func TestNotificationIngressAndQueryAPI(t *testing.T) {
	srv := newTestServer(t, nil, HandlerConfig{})
	alice := srv.dialUser(t, "alice")

	body := []byte(`{"type":"task_assigned","title":"New task","message":"Task 7","targetUserId":"alice","relatedId":"7","relatedType":"task"}`)
	resp := srv.do(t, http.MethodPost, "/internal/notifications", testIngressToken, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var dispatched DispatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dispatched))
	assert.NotEmpty(t, dispatched.ID)
	assert.Equal(t, 1, dispatched.Pushed)

	pushed := readEvent(t, alice)
	assert.Equal(t, realtime.EventNotificationReceived, pushed.Event)

	resp = srv.do(t, http.MethodGet, "/notifications", token(t, "alice"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var unread UnreadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&unread))
	require.Equal(t, 1, unread.Count)
	assert.Equal(t, dispatched.ID, unread.Unread[0].ID)

	resp = srv.do(t, http.MethodPost, "/notifications/"+dispatched.ID+"/read", token(t, "bob"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/notifications/"+dispatched.ID+"/read", token(t, "alice"), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/notifications/missing/read", token(t, "alice"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/notifications", token(t, "alice"), nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&unread))
	assert.Zero(t, unread.Count)
	assert.NotNil(t, unread.Unread)
}

func TestNotificationIngressErrors(t *testing.T) {
	srv := newTestServer(t, nil, HandlerConfig{})
	valid := []byte(`{"type":"t","targetUserId":"alice"}`)

	resp := srv.do(t, http.MethodPost, "/internal/notifications", "wrong", valid)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/internal/notifications", testIngressToken, []byte(`{`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/internal/notifications", testIngressToken, []byte(`{"type":"t"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/notifications", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNotificationIngressStoreFailure(t *testing.T) {
	srv := newTestServer(t, saveFailingStore{notification.NewMemoryStore()}, HandlerConfig{})
	alice := srv.dialUser(t, "alice")

	resp := srv.do(t, http.MethodPost, "/internal/notifications", testIngressToken, []byte(`{"type":"t","targetUserId":"alice"}`))

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	expectNoEvent(t, alice)
}

func TestNotificationIngressDisabledWithoutToken(t *testing.T) {
	store := notification.NewMemoryStore()
	logger := zerolog.Nop()
	verifier := auth.NewJWTVerifier(testSecret)
	hub := realtime.NewHub(verifier, store, realtime.Options{Logger: logger})
	origins := NewOriginPolicy(nil, logger)
	h := NewHandler(hub, store, verifier, origins, HandlerConfig{}, logger)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/notifications", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer anything")
	SetupRoutes(h, origins, logger).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
