package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexus-realtime/internal/metrics"
)

type typingKey struct {
	roomID     string
	resourceID string
}

type typingEntry struct {
	expiry time.Time
	connID string
}

// TypingCoordinator tracks who is typing on which resource. Repeated starts
// within the window only push the expiry forward; peers see one user:typing
// per session and one user:stopped-typing when it ends by stop, expiry or
// disconnect.
type TypingCoordinator struct {
	rooms    *RoomRegistry
	window   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[typingKey]map[string]typingEntry
	count   int
}

// NewTypingCoordinator creates a coordinator broadcasting through rooms. The
// sweep interval is capped at half the window.
func NewTypingCoordinator(rooms *RoomRegistry, window, interval time.Duration, now func() time.Time, logger zerolog.Logger) *TypingCoordinator {
	if interval <= 0 || interval > window/2 {
		interval = window / 2
	}
	return &TypingCoordinator{
		rooms:    rooms,
		window:   window,
		interval: interval,
		now:      now,
		logger:   logger.With().Str("component", "typing").Logger(),
		entries:  make(map[typingKey]map[string]typingEntry),
	}
}

// Start records that userID is typing on resourceID in roomID. It returns
// true when a new session began and user:typing was broadcast.
func (t *TypingCoordinator) Start(connID, userID, roomID, resourceID string) bool {
	key := typingKey{roomID: roomID, resourceID: resourceID}
	expiry := t.now().Add(t.window)

	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[key]
	if users == nil {
		users = make(map[string]typingEntry)
		t.entries[key] = users
	}
	_, live := users[userID]
	users[userID] = typingEntry{expiry: expiry, connID: connID}
	if live {
		return false
	}

	t.count++
	metrics.TypingSessionsActive.Inc()
	t.rooms.Broadcast(roomID, typingEvent(EventUserTyping, userID, key), connID)
	return true
}

// Stop ends userID's session on resourceID. It returns false, without
// broadcasting, when there was no session.
func (t *TypingCoordinator) Stop(connID, userID, roomID, resourceID string) bool {
	key := typingKey{roomID: roomID, resourceID: resourceID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[key][userID]; !ok {
		return false
	}
	t.removeLocked(key, userID)
	t.rooms.Broadcast(roomID, typingEvent(EventUserStoppedTyping, userID, key), connID)
	return true
}

// RemoveConnection ends every session owned by c. It is the close hook for
// typing state. Sessions are matched by connection, not by user: a user
// typing from another device keeps that session when this one closes (see
// the multi-device decision in DESIGN.md).
func (t *TypingCoordinator) RemoveConnection(c *Connection) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, key := range t.sortedKeysLocked() {
		for userID, entry := range t.entries[key] {
			if entry.connID != c.id {
				continue
			}
			t.removeLocked(key, userID)
			t.rooms.Broadcast(key.roomID, typingEvent(EventUserStoppedTyping, userID, key), c.id)
			removed++
		}
	}
	return removed
}

// Typing returns the users with a live session on resourceID, sorted.
func (t *TypingCoordinator) Typing(roomID, resourceID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]string, 0, len(t.entries[typingKey{roomID, resourceID}]))
	for userID := range t.entries[typingKey{roomID, resourceID}] {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Active returns the number of live sessions.
func (t *TypingCoordinator) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Run sweeps expired sessions until ctx is done.
func (t *TypingCoordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.sweep(t.now()); n > 0 {
				t.logger.Debug().Int("expired", n).Msg("typing sessions expired")
			}
		}
	}
}

// sweep removes every session whose expiry is at or before now and returns
// how many it removed.
func (t *TypingCoordinator) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	expired := 0
	for _, key := range t.sortedKeysLocked() {
		for userID, entry := range t.entries[key] {
			if entry.expiry.After(now) {
				continue
			}
			t.removeLocked(key, userID)
			t.rooms.Broadcast(key.roomID, typingEvent(EventUserStoppedTyping, userID, key), entry.connID)
			expired++
		}
	}
	return expired
}

func (t *TypingCoordinator) removeLocked(key typingKey, userID string) {
	users := t.entries[key]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, key)
	}
	t.count--
	metrics.TypingSessionsActive.Dec()
}

func (t *TypingCoordinator) sortedKeysLocked() []typingKey {
	keys := make([]typingKey, 0, len(t.entries))
	for key := range t.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].roomID != keys[j].roomID {
			return keys[i].roomID < keys[j].roomID
		}
		return keys[i].resourceID < keys[j].resourceID
	})
	return keys
}

func typingEvent(name, userID string, key typingKey) Event {
	return Event{
		Name: name,
		Data: TypingPayload{UserID: userID, RoomID: key.roomID, TaskID: key.resourceID},
	}
}
