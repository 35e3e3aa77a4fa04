package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/Tyrowin/nexus-realtime/internal/notification"
)

// Inbound event names.
const (
	EventJoinProject      = "join:project"
	EventLeaveProject     = "leave:project"
	EventTaskUpdate       = "task:update"
	EventCommentNew       = "comment:new"
	EventNotificationSend = "notification:send"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
)

// Outbound event names.
const (
	EventUserJoined           = "user:joined"
	EventUserLeft             = "user:left"
	EventUserTyping           = "user:typing"
	EventUserStoppedTyping    = "user:stopped-typing"
	EventNotificationReceived = "notification:received"
	EventTaskUpdated          = "task:updated"
	EventCommentAdded         = "comment:added"
)

// Event is the wire envelope for both directions: {"event": name, "data": payload}.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Encode returns the JSON frame for e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// PresencePayload is carried by user:joined and user:left.
type PresencePayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// TypingPayload is carried by user:typing and user:stopped-typing.
type TypingPayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
	TaskID string `json:"taskId"`
}

// TaskUpdatedPayload is carried by task:updated. TaskID and Update are
// relayed verbatim from the inbound event.
type TaskUpdatedPayload struct {
	TaskID    json.RawMessage `json:"taskId"`
	ProjectID string          `json:"projectId"`
	Update    json.RawMessage `json:"update"`
	UpdatedBy string          `json:"updatedBy"`
}

// CommentAddedPayload is carried by comment:added.
type CommentAddedPayload struct {
	TaskID    json.RawMessage `json:"taskId"`
	ProjectID string          `json:"projectId"`
	Comment   json.RawMessage `json:"comment"`
	Author    string          `json:"author"`
}

// command is the decoded form of an inbound envelope. Each variant names the
// event it was decoded from.
type command interface {
	eventName() string
}

type joinProject struct{ roomID string }

type leaveProject struct{ roomID string }

type taskUpdate struct {
	projectID string
	taskID    json.RawMessage
	update    json.RawMessage
}

type commentNew struct {
	projectID string
	taskID    json.RawMessage
	comment   json.RawMessage
}

type notificationSend struct {
	notification notification.Notification
}

type typingChange struct {
	start      bool
	projectID  string
	resourceID string
}

type passthrough struct {
	inbound   string
	outbound  string
	projectID string
	data      map[string]any
}

func (joinProject) eventName() string      { return EventJoinProject }
func (leaveProject) eventName() string     { return EventLeaveProject }
func (taskUpdate) eventName() string       { return EventTaskUpdate }
func (commentNew) eventName() string       { return EventCommentNew }
func (notificationSend) eventName() string { return EventNotificationSend }
func (p passthrough) eventName() string    { return p.inbound }

func (t typingChange) eventName() string {
	if t.start {
		return EventTypingStart
	}
	return EventTypingStop
}

// decodeCommand classifies a raw frame against the event catalogue. Names
// found in passthroughs are relayed under their mapped outbound name; any
// other name yields ErrUnknownEvent.
func decodeCommand(frame []byte, passthroughs map[string]string) (command, error) {
	if !gjson.ValidBytes(frame) {
		return nil, ErrMalformedEnvelope
	}

	envelope := gjson.ParseBytes(frame)
	name := envelope.Get("event")
	if name.Type != gjson.String || name.Str == "" {
		return nil, ErrMalformedEnvelope
	}
	data := envelope.Get("data")

	switch name.Str {
	case EventJoinProject, EventLeaveProject:
		roomID := roomIDOf(data)
		if roomID == "" {
			return nil, fmt.Errorf("%w: %s requires projectId", ErrMalformedEnvelope, name.Str)
		}
		if name.Str == EventJoinProject {
			return joinProject{roomID: roomID}, nil
		}
		return leaveProject{roomID: roomID}, nil

	case EventTaskUpdate:
		projectID := data.Get("projectId").String()
		if projectID == "" || !data.Get("taskId").Exists() {
			return nil, fmt.Errorf("%w: task:update requires taskId and projectId", ErrMalformedEnvelope)
		}
		return taskUpdate{
			projectID: projectID,
			taskID:    rawOf(data.Get("taskId")),
			update:    rawOf(data.Get("update")),
		}, nil

	case EventCommentNew:
		projectID := data.Get("projectId").String()
		if projectID == "" || !data.Get("taskId").Exists() {
			return nil, fmt.Errorf("%w: comment:new requires taskId and projectId", ErrMalformedEnvelope)
		}
		return commentNew{
			projectID: projectID,
			taskID:    rawOf(data.Get("taskId")),
			comment:   rawOf(data.Get("comment")),
		}, nil

	case EventNotificationSend:
		if !data.IsObject() {
			return nil, fmt.Errorf("%w: notification:send requires an object payload", ErrMalformedEnvelope)
		}
		var cmd notificationSend
		if err := json.Unmarshal([]byte(data.Raw), &cmd.notification); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
		}
		return cmd, nil

	case EventTypingStart, EventTypingStop:
		projectID := data.Get("projectId").String()
		resourceID := data.Get("taskId").String()
		if projectID == "" || resourceID == "" {
			return nil, fmt.Errorf("%w: %s requires taskId and projectId", ErrMalformedEnvelope, name.Str)
		}
		return typingChange{
			start:      name.Str == EventTypingStart,
			projectID:  projectID,
			resourceID: resourceID,
		}, nil
	}

	outbound, ok := passthroughs[name.Str]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name.Str)
	}
	projectID := data.Get("projectId").String()
	if !data.IsObject() || projectID == "" {
		return nil, fmt.Errorf("%w: %s requires an object payload with projectId", ErrMalformedEnvelope, name.Str)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(data.Raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return passthrough{
		inbound:   name.Str,
		outbound:  outbound,
		projectID: projectID,
		data:      fields,
	}, nil
}

// roomIDOf accepts either a bare id or {"projectId": ...}.
func roomIDOf(data gjson.Result) string {
	switch data.Type {
	case gjson.String, gjson.Number:
		return data.String()
	case gjson.JSON:
		return data.Get("projectId").String()
	default:
		return ""
	}
}

func rawOf(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return json.RawMessage("null")
	}
	return json.RawMessage(r.Raw)
}
