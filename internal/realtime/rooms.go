package realtime

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexus-realtime/internal/metrics"
)

// MembershipKind tells a join from a leave.
type MembershipKind int

const (
	MemberJoined MembershipKind = iota
	MemberLeft
)

// MembershipChange describes one connection entering or leaving a room.
type MembershipChange struct {
	Kind         MembershipKind
	RoomID       string
	ConnectionID string
	UserID       string
}

// MembershipObserver is notified after every effective join or leave. It is
// called synchronously with the connection's room set still locked, so the
// changes of one connection arrive in the order they happened. Observers
// may broadcast but must not join or leave rooms for that connection.
type MembershipObserver interface {
	MembershipChanged(change MembershipChange)
}

type room struct {
	id      string
	mu      sync.Mutex
	members map[string]*Connection
	// dead is set once the room emptied and was dropped from the registry.
	// A joiner that finds a dead room retries with a fresh one.
	dead bool
}

// RoomRegistry maps room ids to their member connections. Each room is
// guarded by its own lock; the registry lock only covers the room table.
type RoomRegistry struct {
	mu       sync.Mutex
	rooms    map[string]*room
	observer MembershipObserver
	logger   zerolog.Logger
}

// NewRoomRegistry creates an empty registry. observer may be nil.
func NewRoomRegistry(observer MembershipObserver, logger zerolog.Logger) *RoomRegistry {
	return &RoomRegistry{
		rooms:    make(map[string]*room),
		observer: observer,
		logger:   logger.With().Str("component", "rooms").Logger(),
	}
}

// Join adds c to roomID. It reports whether membership changed; joining a
// room twice is a no-op. Connections that are not active cannot join.
func (r *RoomRegistry) Join(c *Connection, roomID string) (bool, error) {
	c.roomsMu.Lock()
	if c.State() != StateActive {
		c.roomsMu.Unlock()
		return false, ErrConnectionClosed
	}
	if _, ok := c.rooms[roomID]; ok {
		c.roomsMu.Unlock()
		return false, nil
	}

	for {
		rm := r.getOrCreate(roomID)
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.members[c.id] = c
		rm.mu.Unlock()
		break
	}
	c.rooms[roomID] = struct{}{}
	r.notify(MembershipChange{Kind: MemberJoined, RoomID: roomID, ConnectionID: c.id, UserID: c.userID})
	c.roomsMu.Unlock()

	r.logger.Debug().Str("room_id", roomID).Str("conn_id", c.id).Msg("joined room")
	return true, nil
}

// Leave removes c from roomID and reports whether it was a member.
func (r *RoomRegistry) Leave(c *Connection, roomID string) bool {
	c.roomsMu.Lock()
	if _, ok := c.rooms[roomID]; !ok {
		c.roomsMu.Unlock()
		return false
	}
	delete(c.rooms, roomID)
	r.removeMember(roomID, c.id)
	r.notify(MembershipChange{Kind: MemberLeft, RoomID: roomID, ConnectionID: c.id, UserID: c.userID})
	c.roomsMu.Unlock()

	r.logger.Debug().Str("room_id", roomID).Str("conn_id", c.id).Msg("left room")
	return true
}

// RemoveConnection drops c from every room it joined. It is the close hook
// for room membership.
func (r *RoomRegistry) RemoveConnection(c *Connection) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()

	left := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		left = append(left, roomID)
	}
	sort.Strings(left)
	clear(c.rooms)

	for _, roomID := range left {
		r.removeMember(roomID, c.id)
		r.notify(MembershipChange{Kind: MemberLeft, RoomID: roomID, ConnectionID: c.id, UserID: c.userID})
	}
}

// Broadcast queues ev for every member of roomID except exclude, which may be
// empty. Members are those present when the room lock is taken; the lock is
// held for the whole fan-out, so broadcasts into one room reach each member in
// call order. It returns the number of members that accepted the frame.
func (r *RoomRegistry) Broadcast(roomID string, ev Event, exclude string) int {
	rm := r.get(roomID)
	if rm == nil {
		return 0
	}

	frame, err := ev.Encode()
	if err != nil {
		r.logger.Error().Err(err).Str("event", ev.Name).Msg("failed to encode broadcast")
		return 0
	}
	metrics.Broadcasts.WithLabelValues(ev.Name).Inc()

	rm.mu.Lock()
	defer rm.mu.Unlock()

	delivered := 0
	for id, member := range rm.members {
		if id == exclude {
			continue
		}
		if member.enqueue(frame) {
			delivered++
		}
	}
	return delivered
}

// Members returns the connection ids in roomID, sorted.
func (r *RoomRegistry) Members(roomID string) []string {
	rm := r.get(roomID)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	rm.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Users returns the distinct user ids present in roomID, sorted.
func (r *RoomRegistry) Users(roomID string) []string {
	rm := r.get(roomID)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	seen := make(map[string]struct{}, len(rm.members))
	for _, member := range rm.members {
		seen[member.userID] = struct{}{}
	}
	rm.mu.Unlock()

	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// RoomCount returns the number of non-empty rooms.
func (r *RoomRegistry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *RoomRegistry) get(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

func (r *RoomRegistry) getOrCreate(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[string]*Connection)}
		r.rooms[roomID] = rm
		metrics.RoomsActive.Inc()
	}
	return rm
}

// removeMember deletes connID from the room and drops the room once empty.
func (r *RoomRegistry) removeMember(roomID, connID string) {
	rm := r.get(roomID)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.members, connID)
	if len(rm.members) > 0 || rm.dead {
		return
	}
	rm.dead = true

	r.mu.Lock()
	if r.rooms[roomID] == rm {
		delete(r.rooms, roomID)
		metrics.RoomsActive.Dec()
	}
	r.mu.Unlock()
	r.logger.Debug().Str("room_id", roomID).Msg("room emptied")
}

func (r *RoomRegistry) notify(change MembershipChange) {
	if r.observer != nil {
		r.observer.MembershipChanged(change)
	}
}
