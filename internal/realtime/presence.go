package realtime

import "github.com/rs/zerolog"

// PresenceTracker turns room membership changes into user:joined and
// user:left broadcasts. It keeps no state; who is present is always read
// back from the RoomRegistry.
//
// Presence is tracked per connection: a user with two connections in one
// room produces two joins and two leaves.
type PresenceTracker struct {
	rooms  *RoomRegistry
	logger zerolog.Logger
}

// NewPresenceTracker creates a tracker. It must be bound to a registry with
// attach before membership changes arrive.
func NewPresenceTracker(logger zerolog.Logger) *PresenceTracker {
	return &PresenceTracker{logger: logger.With().Str("component", "presence").Logger()}
}

func (p *PresenceTracker) attach(rooms *RoomRegistry) {
	p.rooms = rooms
}

// MembershipChanged broadcasts the change to the rest of the room. The
// connection that joined or left never receives its own presence event.
func (p *PresenceTracker) MembershipChanged(change MembershipChange) {
	if p.rooms == nil {
		return
	}

	name := EventUserJoined
	if change.Kind == MemberLeft {
		name = EventUserLeft
	}

	n := p.rooms.Broadcast(change.RoomID, Event{
		Name: name,
		Data: PresencePayload{UserID: change.UserID, RoomID: change.RoomID},
	}, change.ConnectionID)

	p.logger.Debug().
		Str("event", name).
		Str("room_id", change.RoomID).
		Str("user_id", change.UserID).
		Int("recipients", n).
		Msg("presence broadcast")
}

// Users returns the distinct users currently present in roomID.
func (p *PresenceTracker) Users(roomID string) []string {
	if p.rooms == nil {
		return nil
	}
	return p.rooms.Users(roomID)
}
