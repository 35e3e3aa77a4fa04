package realtime

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options tunes the core. Zero fields take the defaults from DefaultOptions.
type Options struct {
	// SendBufferSize is the number of frames queued per connection before
	// it is closed as a slow consumer.
	SendBufferSize int
	// IdleTimeout closes connections that sent nothing for this long.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// RateLimitBurst frames are allowed per RateLimitRefill. A negative
	// burst disables rate limiting.
	RateLimitBurst  int
	RateLimitRefill time.Duration

	TypingWindow        time.Duration
	TypingSweepInterval time.Duration

	// Passthrough maps application event names to their broadcast names.
	Passthrough map[string]string

	// StoreSaveRetries is the number of extra notification write attempts.
	StoreSaveRetries uint64

	Clock  func() time.Time
	Logger zerolog.Logger
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		SendBufferSize:      256,
		IdleTimeout:         60 * time.Second,
		PingInterval:        54 * time.Second,
		RateLimitBurst:      20,
		RateLimitRefill:     time.Second,
		TypingWindow:        5 * time.Second,
		TypingSweepInterval: 2500 * time.Millisecond,
		StoreSaveRetries:    2,
		Clock:               time.Now,
		Logger:              zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = def.SendBufferSize
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.IdleTimeout {
		o.PingInterval = o.IdleTimeout * 9 / 10
	}
	if o.RateLimitBurst == 0 {
		o.RateLimitBurst = def.RateLimitBurst
	}
	if o.RateLimitRefill <= 0 {
		o.RateLimitRefill = def.RateLimitRefill
	}
	if o.TypingWindow <= 0 {
		o.TypingWindow = def.TypingWindow
	}
	if o.TypingSweepInterval <= 0 || o.TypingSweepInterval > o.TypingWindow/2 {
		o.TypingSweepInterval = o.TypingWindow / 2
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	return o
}

// Hub owns one instance of every core component and binds their lifecycle
// to the server's. Nothing in the package is global; a process may run
// several hubs.
type Hub struct {
	conns      *ConnectionManager
	rooms      *RoomRegistry
	presence   *PresenceTracker
	typing     *TypingCoordinator
	dispatcher *NotificationDispatcher
	router     *EventRouter
	logger     zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// NewHub wires the core over an identity verifier and a notification store.
func NewHub(verifier IdentityVerifier, store NotificationSaver, opts Options) *Hub {
	opts = opts.withDefaults()
	logger := opts.Logger

	conns := NewConnectionManager(verifier, opts)
	presence := NewPresenceTracker(logger)
	rooms := NewRoomRegistry(presence, logger)
	presence.attach(rooms)
	typing := NewTypingCoordinator(rooms, opts.TypingWindow, opts.TypingSweepInterval, opts.Clock, logger)
	dispatcher := NewNotificationDispatcher(store, conns, opts.StoreSaveRetries, opts.Clock, logger)
	router := NewEventRouter(conns, rooms, typing, dispatcher, opts.Passthrough, logger)

	conns.handler = func(c *Connection, frame []byte) {
		_ = router.handle(c, frame)
	}
	// Typing goes first so stop events still reach the rooms being left.
	conns.closeHooks = []func(*Connection){
		func(c *Connection) { typing.RemoveConnection(c) },
		rooms.RemoveConnection,
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		conns:      conns,
		rooms:      rooms,
		presence:   presence,
		typing:     typing,
		dispatcher: dispatcher,
		router:     router,
		logger:     logger.With().Str("component", "hub").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run drives the idle and typing sweeps until Shutdown. It blocks and is
// meant to run on its own goroutine.
func (h *Hub) Run() {
	h.running.Store(true)
	defer close(h.done)

	finished := make(chan struct{})
	go func() {
		h.typing.Run(h.ctx)
		close(finished)
	}()

	h.logger.Info().Msg("hub started")
	h.conns.Run(h.ctx)
	<-finished
}

// Shutdown stops the sweeps, closes every connection with
// CloseServerShutdown and waits up to timeout for connection workers.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")
	h.cancel()
	if h.running.Load() {
		<-h.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := h.conns.Shutdown(ctx); err != nil {
		return err
	}
	h.logger.Info().Msg("hub shutdown completed")
	return nil
}

// Accept runs the handshake for a new transport. See ConnectionManager.Accept.
func (h *Hub) Accept(ctx context.Context, t Transport, credential string) (*Connection, error) {
	return h.conns.Accept(ctx, t, credential)
}

// Connections returns the connection manager.
func (h *Hub) Connections() *ConnectionManager { return h.conns }

// Rooms returns the room registry.
func (h *Hub) Rooms() *RoomRegistry { return h.rooms }

// Presence returns the presence tracker.
func (h *Hub) Presence() *PresenceTracker { return h.presence }

// Typing returns the typing coordinator.
func (h *Hub) Typing() *TypingCoordinator { return h.typing }

// Dispatcher returns the notification dispatcher.
func (h *Hub) Dispatcher() *NotificationDispatcher { return h.dispatcher }

// Router returns the event router.
func (h *Hub) Router() *EventRouter { return h.router }
