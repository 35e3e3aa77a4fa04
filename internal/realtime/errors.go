package realtime

import (
	"errors"
	"net"
)

var (
	// ErrUnauthenticated is returned by Accept when the identity verifier
	// rejects the presented credential.
	ErrUnauthenticated = errors.New("realtime: unauthenticated")
	// ErrStoreWrite is returned by Dispatch when the notification could not
	// be persisted. No push is attempted in that case.
	ErrStoreWrite = errors.New("realtime: notification store write failed")
	// ErrUnknownEvent marks an inbound event name outside the catalogue.
	ErrUnknownEvent = errors.New("realtime: unknown event")
	// ErrMalformedEnvelope marks a frame that is not a valid event envelope
	// or lacks a required payload field.
	ErrMalformedEnvelope = errors.New("realtime: malformed envelope")
	// ErrConnectionClosed is returned for operations on a connection that is
	// unknown or no longer active.
	ErrConnectionClosed = errors.New("realtime: connection closed")
	// ErrNotMember is returned when a connection sends room traffic to a room
	// it has not joined.
	ErrNotMember = errors.New("realtime: connection is not a member of the room")
	// ErrFrameTooLarge is reported by transports for frames over the
	// configured size limit.
	ErrFrameTooLarge = errors.New("realtime: frame exceeds size limit")
)

// isExpectedCloseError reports errors that only say the transport was
// already gone.
func isExpectedCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, ErrConnectionClosed)
}

// CloseReason records why a connection was closed.
type CloseReason string

// Close reasons.
const (
	CloseTransport          CloseReason = "transport_closed"
	CloseIdleTimeout        CloseReason = "idle_timeout"
	CloseSendBufferOverflow CloseReason = "send_buffer_overflow"
	CloseProtocolViolation  CloseReason = "protocol_violation"
	CloseServerShutdown     CloseReason = "server_shutdown"
	CloseUnauthenticated    CloseReason = "unauthenticated"
)
