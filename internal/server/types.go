package server

import (
	"errors"
	"net"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-realtime/internal/notification"
)

// HealthStatus is the body of GET /healthz.
type HealthStatus struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	Rooms         int    `json:"rooms"`
	TypingActive  int    `json:"typingActive"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// UnreadResponse is the body of GET /notifications.
type UnreadResponse struct {
	Unread []notification.Notification `json:"unread"`
	Count  int                         `json:"count"`
}

// DispatchResponse is the body of a successful notification ingress call.
type DispatchResponse struct {
	ID     string `json:"id"`
	Pushed int    `json:"pushed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return strings.Contains(err.Error(), "broken pipe")
}
