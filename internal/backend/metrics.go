package backend

import "github.com/prometheus/client_golang/prometheus"

var (
	stepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "parrotd",
		Subsystem: "engine",
		Name:      "steps_total",
		Help:      "Inference steps run",
	})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "parrotd",
		Subsystem: "engine",
		Name:      "batch_size",
		Help:      "Jobs admitted per step",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	})

	stepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "parrotd",
		Subsystem: "engine",
		Name:      "step_duration_seconds",
		Help:      "Wall time of one step",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	cachedTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parrotd",
		Subsystem: "engine",
		Name:      "cached_tokens",
		Help:      "Tokens held across engine-local contexts",
	})
)

func init() {
	prometheus.MustRegister(stepsTotal, batchSize, stepDuration, cachedTokens)
}
