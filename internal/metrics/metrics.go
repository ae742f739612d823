// Package metrics exposes Prometheus collectors for the fanout layer.
// Collectors are registered on the default registry at init time and served
// by promhttp on GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sessions is the number of sessions currently held by the Hub.
	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sessions",
			Help: "Current number of registered WebSocket sessions",
		},
	)

	// Rooms is the number of rooms with at least one subscriber.
	Rooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_rooms",
			Help: "Current number of rooms with at least one subscribed session",
		},
	)

	EventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_broadcast_total",
			Help: "Total number of events fanned out to a room",
		},
		[]string{"kind"},
	)

	// Deliveries counts individual enqueues onto session queues.
	Deliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of events enqueued onto session outbound queues",
		},
	)

	SlowConsumerDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_slow_consumer_disconnects_total",
			Help: "Total number of sessions disconnected because their outbound queue was full",
		},
	)

	ProtocolViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_protocol_violations_total",
			Help: "Total number of rejected client frames",
		},
		[]string{"reason"}, // "malformed", "unknown_type", "payload_mismatch", "not_intent", "invalid_room", "rate_limited"
	)

	HandshakeRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_handshake_rejections_total",
			Help: "Total number of WebSocket handshakes rejected before admission",
		},
	)

	WebhookDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_webhook_drops_total",
			Help: "Total number of webhook events dropped because the delivery queue was full",
		},
	)
)
