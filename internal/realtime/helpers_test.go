package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/nexus-realtime/internal/notification"
)

type fakeTransport struct {
	inbound chan []byte
	readErr chan error
	written chan []byte
	closed  chan struct{}
	// gate, when set, holds every write until it receives a value.
	gate chan struct{}

	mu        sync.Mutex
	reason    CloseReason
	closeOnce sync.Once
	pong      func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
		written: make(chan []byte, 512),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case frame := <-f.inbound:
		return frame, nil
	case err := <-f.readErr:
		return nil, err
	case <-f.closed:
		return nil, net.ErrClosed
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.closed:
			return net.ErrClosed
		}
	}
	select {
	case <-f.closed:
		return net.ErrClosed
	case f.written <- data:
		return nil
	}
}

func (f *fakeTransport) WritePing() error { return nil }

func (f *fakeTransport) SetPongHandler(h func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pong = h
}

func (f *fakeTransport) Close(reason CloseReason) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "192.0.2.1:5000" }

func (f *fakeTransport) closeReason() CloseReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// drain discards written frames until the transport closes.
func drain(f *fakeTransport) {
	for {
		select {
		case <-f.written:
		case <-f.closed:
			return
		}
	}
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// tokenVerifier accepts "token-<user>" credentials.
type tokenVerifier struct{}

var errBadToken = errors.New("bad token")

func (tokenVerifier) Verify(_ context.Context, credential string) (string, error) {
	const prefix = "token-"
	if len(credential) <= len(prefix) || credential[:len(prefix)] != prefix {
		return "", errBadToken
	}
	return credential[len(prefix):], nil
}

type testEnv struct {
	hub   *Hub
	store *notification.MemoryStore
	clock *fakeClock
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	clock := newFakeClock()
	store := notification.NewMemoryStore()
	opts := Options{
		SendBufferSize:   64,
		IdleTimeout:      time.Hour,
		PingInterval:     59 * time.Minute,
		RateLimitBurst:   -1,
		TypingWindow:     5 * time.Second,
		Clock:            clock.Now,
		Passthrough:      map[string]string{"file:upload": "file:uploaded"},
		StoreSaveRetries: 1,
	}
	if mutate != nil {
		mutate(&opts)
	}

	hub := NewHub(tokenVerifier{}, store, opts)
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
	})
	return &testEnv{hub: hub, store: store, clock: clock}
}

func (e *testEnv) connect(t *testing.T, userID string) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c, err := e.hub.Accept(context.Background(), ft, "token-"+userID)
	require.NoError(t, err)
	return c, ft
}

func (e *testEnv) join(t *testing.T, c *Connection, roomID string) {
	t.Helper()
	_, err := e.hub.Rooms().Join(c, roomID)
	require.NoError(t, err)
}

func (e *testEnv) send(t *testing.T, c *Connection, name string, data any) error {
	t.Helper()
	frame, err := json.Marshal(map[string]any{"event": name, "data": data})
	require.NoError(t, err)
	return e.hub.Router().OnMessage(c.ID(), frame)
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func nextFrame(t *testing.T, ft *fakeTransport) wireFrame {
	t.Helper()
	select {
	case raw := <-ft.written:
		var f wireFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return wireFrame{}
	}
}

func expectFrame(t *testing.T, ft *fakeTransport, event string, into any) {
	t.Helper()
	f := nextFrame(t, ft)
	require.Equal(t, event, f.Event)
	if into != nil {
		require.NoError(t, json.Unmarshal(f.Data, into))
	}
}

func expectSilence(t *testing.T, ft *fakeTransport) {
	t.Helper()
	select {
	case raw := <-ft.written:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}
