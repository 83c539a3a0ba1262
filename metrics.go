package recoverability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recoverability"

var (
	failuresIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Inbound events processed by kind and result",
		},
		[]string{"kind", "result"},
	)

	groupActivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "groups",
			Name:      "activations_total",
			Help:      "Failure groups whose open count went from zero to positive",
		},
	)

	messageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operations",
			Name:      "messages_total",
			Help:      "Per-message outcomes of retry and archive operations",
		},
		[]string{"kind", "outcome"},
	)

	batchesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operations",
			Name:      "batches_completed_total",
			Help:      "Batches that reached the completed state",
		},
		[]string{"kind"},
	)

	operationsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operations",
			Name:      "finished_total",
			Help:      "Operations that reached a terminal state",
		},
		[]string{"kind", "state"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Time to hand a retried message to the transport",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	concurrencyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "concurrency_conflicts_total",
			Help:      "Optimistic concurrency conflicts that triggered a reload",
		},
	)
)

func recordIngest(kind, result string) {
	failuresIngested.WithLabelValues(kind, result).Inc()
}

func recordOutcome(kind OperationKind, outcome string) {
	messageOutcomes.WithLabelValues(string(kind), outcome).Inc()
}

func recordDispatchDuration(d time.Duration) {
	dispatchDuration.Observe(d.Seconds())
}
