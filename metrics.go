package meshsocket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "meshsocket"

// Drop reasons recorded in frames_dropped_total.
const (
	dropWrongPort      = "wrong_port"
	dropDecode         = "decode_error"
	dropUnknownConn    = "unknown_connection"
	dropNotListening   = "not_listening"
	dropQueueFull      = "queue_full"
	dropStrayHandshake = "stray_handshake"
)

// metrics holds the Prometheus collectors of one dispatcher.
type metrics struct {
	framesSent          *prometheus.CounterVec
	framesReceived      *prometheus.CounterVec
	framesDropped       *prometheus.CounterVec
	chunkRetransmits    prometheus.Counter
	transfersFailed     prometheus.Counter
	messagesDelivered   prometheus.Counter
	messagesOverwritten prometheus.Counter
	activeConnections   prometheus.Gauge
}

// newMetrics creates the collectors. A nil registerer leaves them
// unregistered, which keeps independent dispatchers (and tests) from
// colliding on the default registry.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport, by kind.",
		}, []string{"kind"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from the transport, by kind.",
		}, []string{"kind"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound packets discarded by the dispatcher, by reason.",
		}, []string{"reason"}),
		chunkRetransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_retransmits_total",
			Help:      "Chunks sent again after an ACK timeout.",
		}),
		transfersFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_transfers_failed_total",
			Help:      "Chunked writes abandoned after exhausting the retry budget.",
		}),
		messagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_delivered_total",
			Help:      "Complete messages delivered to connection inboxes.",
		}),
		messagesOverwritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_overwritten_total",
			Help:      "Delivered messages replaced before the application read them.",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Open connections tracked by the dispatcher.",
		}),
	}
}
