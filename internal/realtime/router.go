package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexus-realtime/internal/metrics"
)

// EventRouter decodes inbound frames and hands each event to the component
// that owns it. Nothing is ever sent back as a reply; every effect is a
// broadcast or a push.
type EventRouter struct {
	conns           *ConnectionManager
	rooms           *RoomRegistry
	typing          *TypingCoordinator
	dispatcher      *NotificationDispatcher
	passthroughs    map[string]string
	dispatchTimeout time.Duration
	logger          zerolog.Logger
}

// NewEventRouter wires a router over the core components. passthroughs maps
// application-defined inbound event names to the name they are broadcast as.
func NewEventRouter(conns *ConnectionManager, rooms *RoomRegistry, typing *TypingCoordinator, dispatcher *NotificationDispatcher, passthroughs map[string]string, logger zerolog.Logger) *EventRouter {
	table := make(map[string]string, len(passthroughs))
	for in, out := range passthroughs {
		table[in] = out
	}
	return &EventRouter{
		conns:           conns,
		rooms:           rooms,
		typing:          typing,
		dispatcher:      dispatcher,
		passthroughs:    table,
		dispatchTimeout: 10 * time.Second,
		logger:          logger.With().Str("component", "router").Logger(),
	}
}

// OnMessage routes one frame received on connID. Errors describe why the
// frame had no effect; the connection stays open regardless.
func (r *EventRouter) OnMessage(connID string, frame []byte) error {
	c, ok := r.conns.Lookup(connID)
	if !ok {
		return ErrConnectionClosed
	}
	return r.handle(c, frame)
}

func (r *EventRouter) handle(c *Connection, frame []byte) error {
	cmd, err := decodeCommand(frame, r.passthroughs)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownEvent):
			metrics.EventsReceived.WithLabelValues("unknown").Inc()
			metrics.EventsDropped.WithLabelValues("unknown_event").Inc()
			c.logger.Debug().Err(err).Msg("ignoring unknown event")
		default:
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			c.logger.Warn().Err(err).Msg("ignoring malformed frame")
		}
		return err
	}

	name := cmd.eventName()
	metrics.EventsReceived.WithLabelValues(name).Inc()

	err = r.apply(c, cmd)
	if err != nil {
		reason := "failed"
		if errors.Is(err, ErrNotMember) {
			reason = "not_member"
		}
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		c.logger.Warn().Err(err).Str("event", name).Msg("event had no effect")
	}
	return err
}

func (r *EventRouter) apply(c *Connection, cmd command) error {
	switch cmd := cmd.(type) {
	case joinProject:
		_, err := r.rooms.Join(c, cmd.roomID)
		return err

	case leaveProject:
		r.rooms.Leave(c, cmd.roomID)
		return nil

	case taskUpdate:
		if err := requireMember(c, cmd.projectID); err != nil {
			return err
		}
		r.rooms.Broadcast(cmd.projectID, Event{
			Name: EventTaskUpdated,
			Data: TaskUpdatedPayload{
				TaskID:    cmd.taskID,
				ProjectID: cmd.projectID,
				Update:    cmd.update,
				UpdatedBy: c.userID,
			},
		}, c.id)
		return nil

	case commentNew:
		if err := requireMember(c, cmd.projectID); err != nil {
			return err
		}
		r.rooms.Broadcast(cmd.projectID, Event{
			Name: EventCommentAdded,
			Data: CommentAddedPayload{
				TaskID:    cmd.taskID,
				ProjectID: cmd.projectID,
				Comment:   cmd.comment,
				Author:    c.userID,
			},
		}, "")
		return nil

	case notificationSend:
		ctx, cancel := context.WithTimeout(context.Background(), r.dispatchTimeout)
		defer cancel()
		n := cmd.notification
		_, err := r.dispatcher.Dispatch(ctx, &n)
		return err

	case typingChange:
		if err := requireMember(c, cmd.projectID); err != nil {
			return err
		}
		if cmd.start {
			r.typing.Start(c.id, c.userID, cmd.projectID, cmd.resourceID)
		} else {
			r.typing.Stop(c.id, c.userID, cmd.projectID, cmd.resourceID)
		}
		return nil

	case passthrough:
		if err := requireMember(c, cmd.projectID); err != nil {
			return err
		}
		cmd.data["userId"] = c.userID
		r.rooms.Broadcast(cmd.projectID, Event{Name: cmd.outbound, Data: cmd.data}, c.id)
		return nil

	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, cmd)
	}
}

func requireMember(c *Connection, roomID string) error {
	if !c.InRoom(roomID) {
		return fmt.Errorf("%w: %s", ErrNotMember, roomID)
	}
	return nil
}
