package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// TxnCounter counts finalised transactions by type and outcome.
	TxnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txstore",
			Subsystem: "termination",
			Name:      "txn_total",
			Help:      "Counter of finalised transactions.",
		}, []string{"replica", "type", "outcome"})

	// VoteCounter counts votes cast by the local certifier.
	VoteCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txstore",
			Subsystem: "certifier",
			Name:      "votes_total",
			Help:      "Counter of certification votes.",
		}, []string{"replica", "vote"})

	// TimeoutCounter counts vote and certification timeouts.
	TimeoutCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txstore",
			Subsystem: "termination",
			Name:      "timeouts_total",
			Help:      "Counter of termination timeouts.",
		}, []string{"replica", "kind"})

	// VisibilityRetryCounter counts reads re-issued after NEVER_COMPATIBLE.
	VisibilityRetryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "txstore",
			Subsystem: "storage",
			Name:      "visibility_retries_total",
			Help:      "Counter of reads re-issued while an in-flight transaction was undecided.",
		})

	// InFlightGauge tracks reserved, undecided sequence numbers.
	InFlightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "txstore",
			Subsystem: "termination",
			Name:      "in_flight",
			Help:      "Number of undecided sequence numbers.",
		}, []string{"replica"})

	// PeerStatusGauge reports the detector status of each peer
	// (0 alive, 1 suspect, 2 dead).
	PeerStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "txstore",
			Subsystem: "detector",
			Name:      "peer_status",
			Help:      "Believed status of each peer.",
		}, []string{"replica", "peer"})

	// CommitLatency observes client-side commit latency.
	CommitLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "txstore",
			Subsystem: "termination",
			Name:      "commit_duration_seconds",
			Help:      "Bucketed histogram of commit latency (s).",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"replica", "outcome"})
)

func init() {
	prometheus.MustRegister(TxnCounter)
	prometheus.MustRegister(VoteCounter)
	prometheus.MustRegister(TimeoutCounter)
	prometheus.MustRegister(VisibilityRetryCounter)
	prometheus.MustRegister(InFlightGauge)
	prometheus.MustRegister(CommitLatency)
	prometheus.MustRegister(PeerStatusGauge)
}
