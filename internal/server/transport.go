package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-realtime/internal/realtime"
)

// Close codes sent to clients.
const (
	CloseCodeUnauthenticated    = 4001
	CloseCodeIdleTimeout        = 4008
	CloseCodeSendBufferOverflow = 4009
)

// wsTransport adapts a gorilla connection to realtime.Transport. Reads run
// on the connection's reader goroutine and writes on its writer goroutine;
// writeMu keeps application writes and pings from interleaving.
type wsTransport struct {
	conn         *websocket.Conn
	addr         string
	idleTimeout  time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, addr string, maxMessageSize int64, idleTimeout, writeTimeout time.Duration) *wsTransport {
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	t := &wsTransport{
		conn:         conn,
		addr:         addr,
		idleTimeout:  idleTimeout,
		writeTimeout: writeTimeout,
	}
	t.extendReadDeadline()
	return t
}

func (t *wsTransport) extendReadDeadline() {
	if t.idleTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout))
	}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, fmt.Errorf("%w: %w", realtime.ErrFrameTooLarge, err)
		}
		return nil, err
	}
	t.extendReadDeadline()
	return data, nil
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) WritePing() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) SetPongHandler(fn func()) {
	t.conn.SetPongHandler(func(string) error {
		t.extendReadDeadline()
		fn()
		return nil
	})
}

// Close sends a close frame carrying the reason's code, then closes the
// socket. Only the first call has an effect.
func (t *wsTransport) Close(reason realtime.CloseReason) error {
	var err error
	t.closeOnce.Do(func() {
		code, text := closeCode(reason)
		msg := websocket.FormatCloseMessage(code, text)
		if werr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout)); werr != nil && !isExpectedCloseError(werr) {
			err = werr
		}
		if cerr := t.conn.Close(); cerr != nil && !isExpectedCloseError(cerr) && err == nil {
			err = cerr
		}
	})
	return err
}

func (t *wsTransport) RemoteAddr() string { return t.addr }

func closeCode(reason realtime.CloseReason) (int, string) {
	switch reason {
	case realtime.CloseUnauthenticated:
		return CloseCodeUnauthenticated, "UNAUTHENTICATED"
	case realtime.CloseIdleTimeout:
		return CloseCodeIdleTimeout, "idle timeout"
	case realtime.CloseSendBufferOverflow:
		return CloseCodeSendBufferOverflow, "send buffer overflow"
	case realtime.CloseProtocolViolation:
		return websocket.CloseProtocolError, "protocol violation"
	case realtime.CloseServerShutdown:
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseNormalClosure, ""
	}
}
