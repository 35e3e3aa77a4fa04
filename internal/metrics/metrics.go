// Package metrics declares the Prometheus collectors exported by the
// real-time session layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_connections_active",
		Help: "The current number of active real-time connections.",
	})
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexus_connections_accepted_total",
		Help: "The total number of connections that completed the handshake.",
	})
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexus_auth_failures_total",
		Help: "The total number of handshakes rejected by the identity verifier.",
	})
	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_connections_closed_total",
		Help: "The total number of closed connections by close reason.",
	}, []string{"reason"})

	// Event metrics
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_events_received_total",
		Help: "Inbound events by event name.",
	}, []string{"event"})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_events_dropped_total",
		Help: "Inbound events dropped without effect, by reason.",
	}, []string{"reason"})
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_broadcasts_total",
		Help: "Outbound broadcasts by event name.",
	}, []string{"event"})
	FramesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexus_frames_delivered_total",
		Help: "Frames queued to connection send buffers.",
	})

	// Room and typing state
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_rooms_active",
		Help: "Rooms with at least one member.",
	})
	TypingSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_typing_sessions_active",
		Help: "Live typing entries across all rooms.",
	})

	// Notification metrics
	NotificationsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_notifications_dispatched_total",
		Help: "Dispatched notifications by outcome (pushed, stored, failed).",
	}, []string{"outcome"})
	NotificationStoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nexus_notification_store_latency_seconds",
		Help:    "Latency of notification store writes, including retries.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)
