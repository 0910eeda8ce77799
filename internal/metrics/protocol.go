package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Protocol-level Prometheus metrics. These live in a standalone package so
// internal/nodestate, internal/coordinator and internal/recovery can record
// against them without importing internal/http (which would otherwise be an
// import cycle once the HTTP layer wires a node's Machine).

var (
	MutativeMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "protocol_mutative_messages_total",
		Help: "Accepted prepare/commit/rollback/take_over messages, by node and op",
	}, []string{"node", "op"})

	RejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "protocol_rejections_total",
		Help: "Rejected mutative messages, by node, op and rejection kind",
	}, []string{"node", "op", "kind"})

	JournalSizeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "protocol_journal_size_bytes",
		Help: "Durable change log size on disk, by node",
	}, []string{"node"})

	MutativeMessageCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "protocol_mutative_message_count",
		Help: "Current mutative_message_count, by node",
	}, []string{"node"})

	CoordinatorSessionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coordinator_session_duration_seconds",
		Help:    "Wall-clock duration of a full coordinator session, by outcome",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"outcome"})

	CoordinatorPhaseLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coordinator_phase_duration_seconds",
		Help:    "Per-node RPC latency, by phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})
)

// Register registers the protocol metrics on the given registry (or
// default if nil), tolerating re-registration from repeated test setup.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		MutativeMessagesTotal, RejectionsTotal, JournalSizeBytes, MutativeMessageCount,
		CoordinatorSessionDuration, CoordinatorPhaseLatency,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
