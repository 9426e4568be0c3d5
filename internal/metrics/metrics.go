package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grouprelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Relay metrics
	OpenConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grouprelay_open_connections",
			Help: "Websocket connections currently registered with the relay",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grouprelay_active_rooms",
			Help: "Rooms with at least one member",
		},
	)

	MessagesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grouprelay_messages_relayed_total",
			Help: "Group messages stamped and fanned out",
		},
	)

	RelayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grouprelay_relay_errors_total",
			Help: "message_error events sent to clients",
		},
		[]string{"kind"}, // "validation", "disabled", "internal"
	)

	OverflowDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grouprelay_overflow_disconnects_total",
			Help: "Connections dropped because their outbound buffer filled up",
		},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grouprelay_auth_failures_total",
			Help: "Rejected connection handshakes",
		},
		[]string{"reason"},
	)

	Uploads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grouprelay_uploads_total",
			Help: "Files accepted by the upload endpoint",
		},
	)
)
