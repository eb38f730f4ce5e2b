/*
metrics.go - Reconciliation observability counters
*/
package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	comparisonsRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_comparisons_total",
		Help: "V1/V2 comparisons executed.",
	})

	comparisonsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_comparisons_suppressed_total",
		Help: "Comparisons skipped by the cooldown window.",
	})

	comparisonsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_comparisons_dropped_total",
		Help: "Async requests dropped because the intake channel was full.",
	})

	divergencesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_divergences_recorded_total",
		Help: "Divergence records appended beyond the threshold.",
	})
)
