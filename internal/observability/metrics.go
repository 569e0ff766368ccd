package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total number of outbound send attempts by resolution",
		},
		[]string{"result"},
	)

	MessagesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_received_total",
			Help: "Total number of inbound messages delivered to subscribers",
		},
	)

	SendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_send_latency_seconds",
			Help:    "Latency from send call to acknowledgment or timeout",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_connection_state",
			Help: "Current connection state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	ReconnectAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_reconnect_attempts_total",
			Help: "Total number of transport reconnect attempts",
		},
	)

	ReceiptFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_receipt_flushes_total",
			Help: "Total number of read-receipt flushes by result",
		},
		[]string{"result"},
	)
)
