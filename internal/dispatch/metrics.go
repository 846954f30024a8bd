package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parrotd",
		Subsystem: "dispatch",
		Name:      "pending_tasks",
		Help:      "Tasks waiting for placement",
	})

	dispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "parrotd",
		Subsystem: "dispatch",
		Name:      "dispatched_total",
		Help:      "Tasks placed onto an engine",
	})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "parrotd",
		Subsystem: "dispatch",
		Name:      "dropped_total",
		Help:      "Pending tasks discarded because their owner died",
	})

	timeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "parrotd",
		Subsystem: "dispatch",
		Name:      "placement_timeouts_total",
		Help:      "Tasks failed after waiting longer than max_pending_wait",
	})

	backpressureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "parrotd",
		Subsystem: "dispatch",
		Name:      "queue_full_total",
		Help:      "Tasks rejected because the pending queue was full",
	})
)

func init() {
	prometheus.MustRegister(pendingTasks, dispatchedTotal, droppedTotal, timeoutsTotal, backpressureTotal)
}
