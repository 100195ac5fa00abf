package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the replication pipeline.
type Metrics struct {
	ChangesReceived    prometheus.Counter
	ChangesQuarantined prometheus.Counter
	EnvelopesEncrypted prometheus.Counter
	EnvelopesDelivered prometheus.Counter
	DeliveryRetries    prometheus.Counter
	DeadLettered       prometheus.Counter
	ListenerReconnects prometheus.Counter
	ChangeQueueDepth   prometheus.Gauge
	SendQueueDepth     prometheus.Gauge
	ListenerState      prometheus.Gauge
}

// New creates and registers all pipeline metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChangesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "replicator_changes_received_total",
			Help: "Change notifications successfully parsed from the database",
		}),
		ChangesQuarantined: factory.NewCounter(prometheus.CounterOpts{
			Name: "replicator_changes_quarantined_total",
			Help: "Malformed notification payloads dropped by the listener",
		}),
		EnvelopesEncrypted: factory.NewCounter(prometheus.CounterOpts{
			Name: "replicator_envelopes_encrypted_total",
			Help: "Envelopes produced by the codec workers",
		}),
		EnvelopesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "replicator_envelopes_delivered_total",
			Help: "Envelopes accepted by the cloud receiver",
		}),
		DeliveryRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "replicator_delivery_retries_total",
			Help: "Delivery attempts beyond the first, per envelope attempt",
		}),
		DeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "replicator_dead_lettered_total",
			Help: "Envelopes persisted to the dead-letter store",
		}),
		ListenerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "replicator_listener_reconnects_total",
			Help: "Times the listener lost its connection and re-entered the connect loop",
		}),
		ChangeQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "replicator_change_queue_depth",
			Help: "Parsed changes waiting for a codec worker",
		}),
		SendQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "replicator_send_queue_depth",
			Help: "Encrypted envelopes waiting for a sender worker",
		}),
		ListenerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "replicator_listener_state",
			Help: "Listener state machine position (0 disconnected, 1 connecting, 2 listening, 3 stopped)",
		}),
	}
}

// NewNop returns metrics backed by a throwaway registry, for tests and the
// offline recovery tool.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
