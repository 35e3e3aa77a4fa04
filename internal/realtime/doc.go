// Package realtime is the session core of the collaboration server. It
// authenticates duplex connections, groups them into rooms keyed by project
// id, derives presence from room membership, debounces typing indicators and
// pushes stored notifications to their target users.
//
// Transport details stay outside the package: anything that satisfies
// Transport can be accepted, which keeps the core testable without sockets.
//
// Locks are taken in one order only: a connection's room set, then a room,
// then the connection itself. Presence broadcasts run with the connection's
// room set held. The room table lock is only taken under a room lock when an
// emptied room is dropped.
package realtime
