package realtime

import (
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexus-realtime/internal/metrics"
)

// Transport is the duplex message channel underneath a Connection. Reads
// happen on one goroutine and writes on another; implementations must allow
// that. Close must be safe to call more than once.
type Transport interface {
	// ReadMessage blocks for the next data frame. Frames over the size
	// limit are reported as ErrFrameTooLarge.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	WritePing() error
	// SetPongHandler registers a callback for keepalive replies. It is
	// called before the read loop starts.
	SetPongHandler(func())
	Close(reason CloseReason) error
	RemoteAddr() string
}

// ConnState is a connection's lifecycle state.
type ConnState int32

// Connection states, in lifecycle order.
const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var validTransitions = map[ConnState][]ConnState{
	StateConnecting:     {StateAuthenticating},
	StateAuthenticating: {StateActive, StateClosed},
	StateActive:         {StateClosing},
	StateClosing:        {StateClosed},
}

func canTransition(from, to ConnState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var errInvalidTransition = errors.New("realtime: invalid connection state transition")

// Connection is one authenticated duplex session. It is owned by the
// ConnectionManager; other components refer to it by id.
type Connection struct {
	id          string
	userID      string
	transport   Transport
	manager     *ConnectionManager
	limiter     *rateLimiter
	logger      zerolog.Logger
	connectedAt time.Time

	// mu guards state, closeReason and the send/done channels.
	mu          sync.Mutex
	state       ConnState
	closeReason CloseReason
	send        chan []byte
	done        chan struct{}

	// roomsMu guards rooms. It is taken before any room lock.
	roomsMu sync.Mutex
	rooms   map[string]struct{}

	lastSeen atomic.Int64
}

func newConnection(id string, t Transport, m *ConnectionManager) *Connection {
	return &Connection{
		id:          id,
		transport:   t,
		manager:     m,
		limiter:     newRateLimiter(m.opts.RateLimitBurst, m.opts.RateLimitRefill, m.now),
		logger:      m.logger.With().Str("conn_id", id).Str("remote_addr", t.RemoteAddr()).Logger(),
		connectedAt: m.now(),
		state:       StateConnecting,
		send:        make(chan []byte, m.opts.SendBufferSize),
		done:        make(chan struct{}),
		rooms:       make(map[string]struct{}),
	}
}

// ID returns the connection id assigned at accept time.
func (c *Connection) ID() string { return c.id }

// UserID returns the identity bound during the handshake.
func (c *Connection) UserID() string { return c.userID }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseReason returns why the connection closed, or "" while it is open.
func (c *Connection) CloseReason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// LastSeen returns the time of the last frame received from the peer.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Done is closed when the connection starts closing.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Rooms returns the rooms the connection has joined, sorted.
func (c *Connection) Rooms() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// InRoom reports whether the connection has joined roomID.
func (c *Connection) InRoom(roomID string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Connection) touch() {
	c.lastSeen.Store(c.manager.now().UnixNano())
}

func (c *Connection) transition(from, to ConnState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from || !canTransition(from, to) {
		return errInvalidTransition
	}
	c.state = to
	return nil
}

// beginClose moves an active connection to Closing and cancels its writer.
// It reports false if the connection was not active.
func (c *Connection) beginClose(reason CloseReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginCloseLocked(reason)
}

func (c *Connection) beginCloseLocked(reason CloseReason) bool {
	if c.state != StateActive {
		return false
	}
	c.state = StateClosing
	c.closeReason = reason
	close(c.done)
	return true
}

// abortHandshake closes a connection that never became active.
func (c *Connection) abortHandshake(reason CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if canTransition(c.state, StateClosed) {
		c.state = StateClosed
		c.closeReason = reason
		close(c.done)
	}
}

// markClosed completes the Closing -> Closed transition.
func (c *Connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosing {
		c.state = StateClosed
	}
}

// enqueue queues a frame without blocking. A full buffer closes the
// connection with CloseSendBufferOverflow; the cleanup runs on its own
// goroutine so the caller never waits on a slow consumer.
func (c *Connection) enqueue(frame []byte) bool {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return false
	}

	select {
	case c.send <- frame:
		c.mu.Unlock()
		metrics.FramesDelivered.Inc()
		return true
	default:
	}

	c.beginCloseLocked(CloseSendBufferOverflow)
	// The pumps of an active connection are still counted, so this Add
	// never races a Wait that saw zero.
	c.manager.wg.Add(1)
	c.mu.Unlock()

	c.logger.Warn().Int("buffer", cap(c.send)).Msg("send buffer full; closing connection")
	go func() {
		defer c.manager.wg.Done()
		c.manager.finishClose(c)
	}()
	return false
}

func (c *Connection) readPump(handle func(*Connection, []byte)) {
	for {
		frame, err := c.transport.ReadMessage()
		if err != nil {
			reason := readCloseReason(err)
			c.logger.Debug().Err(err).Str("reason", string(reason)).Msg("read loop finished")
			c.manager.closeConnection(c, reason)
			return
		}

		c.touch()

		if !c.limiter.allow() {
			c.logger.Warn().Msg("rate limit exceeded; discarding frame")
			metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
			continue
		}

		handle(c, frame)
	}
}

// readCloseReason classifies a read error. A read deadline expiring means
// the peer went quiet for the whole idle window.
func readCloseReason(err error) CloseReason {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		return CloseProtocolViolation
	case errors.As(err, &netErr) && netErr.Timeout():
		return CloseIdleTimeout
	default:
		return CloseTransport
	}
}

func (c *Connection) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			// A close that raced the receive wins; the frame is dropped.
			select {
			case <-c.done:
				return
			default:
			}
			if err := c.transport.WriteMessage(frame); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.manager.closeConnection(c, CloseTransport)
				return
			}

		case <-ticker.C:
			if err := c.transport.WritePing(); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.manager.closeConnection(c, CloseTransport)
				return
			}
		}
	}
}
