package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	primitivesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parrotd",
		Subsystem: "executor",
		Name:      "primitives_total",
		Help:      "Primitives issued to engines, by kind and outcome",
	}, []string{"kind", "outcome"})

	primitiveDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "parrotd",
		Subsystem: "executor",
		Name:      "primitive_duration_seconds",
		Help:      "Primitive round-trip latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	chainsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parrotd",
		Subsystem: "executor",
		Name:      "chains_total",
		Help:      "Completion chains finished, by outcome",
	}, []string{"outcome"})

	inflightChains = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parrotd",
		Subsystem: "executor",
		Name:      "inflight_chains",
		Help:      "Chains admitted past input readiness",
	})

	liveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parrotd",
		Subsystem: "sessions",
		Name:      "live",
		Help:      "Open sessions",
	})
)

func init() {
	prometheus.MustRegister(primitivesTotal, primitiveDuration, chainsTotal, inflightChains, liveSessions)
}
