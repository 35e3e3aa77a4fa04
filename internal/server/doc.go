// Package server implements the HTTP and WebSocket surface of the realtime
// service.
//
// The implementation is organized into specialized files for the WebSocket
// transport, routing, origin checks, the notification API and the HTTP
// handlers, so the session core in package realtime never touches sockets.
package server
