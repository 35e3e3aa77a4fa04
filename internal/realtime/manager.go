package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexus-realtime/internal/metrics"
)

// IdentityVerifier resolves a presented credential to a user id.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// ConnectionManager owns the lifecycle of every client connection: the
// handshake, the per-connection read and write workers, best-effort sends,
// idle detection and close cleanup.
type ConnectionManager struct {
	verifier IdentityVerifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection

	// handler and closeHooks are set once by the Hub before Accept is used.
	handler    func(*Connection, []byte)
	closeHooks []func(*Connection)

	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewConnectionManager creates a manager. Frames read from connections are
// discarded until a handler is installed by the Hub.
func NewConnectionManager(verifier IdentityVerifier, opts Options) *ConnectionManager {
	opts = opts.withDefaults()
	return &ConnectionManager{
		verifier: verifier,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "connections").Logger(),
		now:      opts.Clock,
		conns:    make(map[string]*Connection),
		byUser:   make(map[string]map[string]*Connection),
		handler:  func(*Connection, []byte) {},
	}
}

// Accept performs the handshake on t. The connection goes through
// Connecting and Authenticating and is only registered and started once the
// verifier accepts the credential. On rejection the transport is closed and
// an error wrapping ErrUnauthenticated is returned.
func (m *ConnectionManager) Accept(ctx context.Context, t Transport, credential string) (*Connection, error) {
	c := newConnection(uuid.NewString(), t, m)

	if err := c.transition(StateConnecting, StateAuthenticating); err != nil {
		return nil, err
	}

	userID, err := m.verifier.Verify(ctx, credential)
	if err == nil && userID == "" {
		err = fmt.Errorf("verifier returned an empty user id")
	}
	if err != nil {
		c.abortHandshake(CloseUnauthenticated)
		if closeErr := t.Close(CloseUnauthenticated); closeErr != nil && !isExpectedCloseError(closeErr) {
			c.logger.Debug().Err(closeErr).Msg("error closing rejected transport")
		}
		metrics.AuthFailures.Inc()
		c.logger.Info().Err(err).Msg("handshake rejected")
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	c.userID = userID
	c.logger = c.logger.With().Str("user_id", userID).Logger()
	c.touch()
	t.SetPongHandler(c.touch)

	// Registration and the worker count change together under mu, so a
	// Shutdown that already started waiting never sees a late Add.
	m.mu.Lock()
	if m.shuttingDown.Load() {
		m.mu.Unlock()
		c.abortHandshake(CloseServerShutdown)
		_ = t.Close(CloseServerShutdown)
		return nil, ErrConnectionClosed
	}
	m.conns[c.id] = c
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Connection)
	}
	m.byUser[userID][c.id] = c
	count := len(m.conns)
	m.wg.Add(2)
	m.mu.Unlock()

	if err := c.transition(StateAuthenticating, StateActive); err != nil {
		m.unregister(c)
		m.wg.Add(-2)
		return nil, err
	}

	metrics.ConnectionsAccepted.Inc()
	metrics.ConnectionsActive.Inc()

	go func() {
		defer m.wg.Done()
		c.writePump(m.opts.PingInterval)
	}()
	go func() {
		defer m.wg.Done()
		c.readPump(m.handler)
	}()

	// Shutdown may have taken its snapshot while c was still authenticating.
	if m.shuttingDown.Load() {
		m.closeConnection(c, CloseServerShutdown)
		return nil, ErrConnectionClosed
	}

	c.logger.Info().Int("connections", count).Msg("connection accepted")
	return c, nil
}

// Lookup returns a registered connection.
func (m *ConnectionManager) Lookup(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// Count returns the number of registered connections.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// ConnectionsForUser returns the registered connections bound to userID.
func (m *ConnectionManager) ConnectionsForUser(userID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	return conns
}

// Send queues ev for one connection. Unknown or closed connections are
// ignored; Send reports whether the event was queued.
func (m *ConnectionManager) Send(connID string, ev Event) bool {
	c, ok := m.Lookup(connID)
	if !ok {
		return false
	}
	frame, err := ev.Encode()
	if err != nil {
		m.logger.Error().Err(err).Str("event", ev.Name).Msg("failed to encode event")
		return false
	}
	return c.enqueue(frame)
}

// SendToUser queues ev for every active connection of userID and returns how
// many connections accepted it.
func (m *ConnectionManager) SendToUser(userID string, ev Event) int {
	conns := m.ConnectionsForUser(userID)
	if len(conns) == 0 {
		return 0
	}

	frame, err := ev.Encode()
	if err != nil {
		m.logger.Error().Err(err).Str("event", ev.Name).Msg("failed to encode event")
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if c.enqueue(frame) {
			delivered++
		}
	}
	return delivered
}

// Close closes a connection for reason. Unknown ids and connections that are
// already closing are ignored.
func (m *ConnectionManager) Close(connID string, reason CloseReason) {
	if c, ok := m.Lookup(connID); ok {
		m.closeConnection(c, reason)
	}
}

func (m *ConnectionManager) closeConnection(c *Connection, reason CloseReason) {
	if c.beginClose(reason) {
		m.finishClose(c)
	}
}

// finishClose runs after a connection entered Closing: it unregisters the
// connection, runs the room and typing cleanup hooks, then closes the
// transport.
func (m *ConnectionManager) finishClose(c *Connection) {
	m.unregister(c)

	for _, hook := range m.closeHooks {
		hook(c)
	}

	reason := c.CloseReason()
	if err := c.transport.Close(reason); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("error closing transport")
	}
	c.markClosed()

	metrics.ConnectionsActive.Dec()
	metrics.ConnectionsClosed.WithLabelValues(string(reason)).Inc()
	c.logger.Info().Str("reason", string(reason)).Int("connections", m.Count()).Msg("connection closed")
}

func (m *ConnectionManager) unregister(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conns, c.id)
	if conns := m.byUser[c.userID]; conns != nil {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(m.byUser, c.userID)
		}
	}
}

// Run closes idle connections every IdleTimeout/2 until ctx is done.
func (m *ConnectionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

// sweepIdle closes every connection whose last frame is older than the idle
// window and returns how many it closed.
func (m *ConnectionManager) sweepIdle() int {
	cutoff := m.now().Add(-m.opts.IdleTimeout).UnixNano()

	m.mu.RLock()
	var idle []*Connection
	for _, c := range m.conns {
		if c.lastSeen.Load() < cutoff {
			idle = append(idle, c)
		}
	}
	m.mu.RUnlock()

	closed := 0
	for _, c := range idle {
		if c.beginClose(CloseIdleTimeout) {
			m.finishClose(c)
			closed++
		}
	}
	return closed
}

// Shutdown refuses new handshakes, closes every connection with
// CloseServerShutdown and waits for the connection workers to exit.
func (m *ConnectionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown.Store(true)
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.closeConnection(c, CloseServerShutdown)
	}
	m.logger.Info().Int("connections", len(conns)).Msg("closed all connections")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn().Msg("shutdown deadline reached, some connection workers may still be running")
		return ctx.Err()
	}
}
