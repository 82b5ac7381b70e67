package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsConnected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgrelay_sessions_connected_total",
			Help: "Total connect events",
		},
	)

	SessionsDisconnected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgrelay_sessions_disconnected_total",
			Help: "Total disconnect events",
		},
	)

	SessionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgrelay_sessions_reaped_total",
			Help: "Total sessions evicted by the reaper",
		},
	)

	// Delivery metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgrelay_messages_sent_total",
			Help: "Total messages accepted for delivery",
		},
	)

	MessagesPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrelay_messages_pushed_total",
			Help: "Total message pushes to receivers",
		},
		[]string{"path"}, // "immediate" or "flush"
	)

	PushFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrelay_push_failures_total",
			Help: "Total failed pushes to a connection",
		},
		[]string{"event"}, // "message" or "delivered"
	)

	DeliveriesAcknowledged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgrelay_deliveries_acknowledged_total",
			Help: "Total messages removed by a delivery acknowledgment",
		},
	)

	DeliveryReportsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrelay_delivery_reports_dropped_total",
			Help: "Total delivery acknowledgments that produced no report",
		},
		[]string{"reason"}, // "sender_offline" or "unknown_message"
	)

	MalformedPayloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrelay_malformed_payloads_total",
			Help: "Total inbound events rejected as malformed",
		},
		[]string{"event"},
	)

	// Infrastructure metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgrelay_store_errors_total",
			Help: "Total store operation failures",
		},
		[]string{"op"},
	)

	OpenConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "msgrelay_open_connections",
			Help: "Currently registered transport connections",
		},
	)
)
