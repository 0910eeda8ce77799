package metrics

import "github.com/prometheus/client_golang/prometheus"

// Stripe raft metrics (component C8): each stripe's nodes run a small raft
// group that replicates the active node's change records to its passive
// mirrors (protocol §3's "server mode"); these track that group's health,
// not the coordinator session itself.

var (
	RaftApplyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stripe_raft_apply_latency_ms",
		Help:    "Latency of raft.Apply for replicated record mutations, in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	RaftLeadershipChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stripe_raft_leadership_changes_total",
		Help: "Number of times this node observed itself becoming raft leader",
	})

	RaftLogSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stripe_raft_log_size_bytes",
		Help: "On-disk size of the raft log/stable store bolt file",
	})
)

// RegisterRaft registers the stripe-leadership raft metrics separately from
// Register, since a node without any stripe mirrors never constructs a
// cluster.Node and shouldn't pay for unused collectors.
func RegisterRaft(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{RaftApplyLatency, RaftLeadershipChanges, RaftLogSizeBytes} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
