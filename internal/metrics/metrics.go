// Package metrics provides Prometheus instrumentation for the moderation
// core. It exposes counters for change-log and task-queue throughput, a gauge
// for the review backlog, and a histogram for revert latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChangesRecorded counts change log entries appended.
	ChangesRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moderation_changes_recorded_total",
		Help: "Total number of change log entries recorded",
	})

	// ChangesReverted counts change log entries flipped to reverted.
	ChangesReverted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moderation_changes_reverted_total",
		Help: "Total number of change log entries marked reverted",
	})

	// RevertDuration records how long a full revert of one user takes.
	RevertDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moderation_revert_duration_seconds",
		Help:    "Duration of a full revert of one user's changes",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// TasksEnqueued counts review tasks created, labeled by kind.
	TasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_tasks_enqueued_total",
		Help: "Total number of review tasks enqueued",
	}, []string{"kind"})

	// TasksResolved counts review tasks resolved, labeled by kind and outcome.
	TasksResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_tasks_resolved_total",
		Help: "Total number of review tasks resolved",
	}, []string{"kind", "outcome"})

	// PendingTasks tracks the current number of schedulable pending tasks.
	PendingTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moderation_pending_tasks",
		Help: "Current number of unresolved schedulable review tasks",
	})

	// DuplicateRequests counts inbound requests suppressed by the dedup gate.
	DuplicateRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moderation_duplicate_requests_total",
		Help: "Total number of duplicate inbound requests suppressed",
	})
)

func init() {
	prometheus.MustRegister(
		ChangesRecorded,
		ChangesReverted,
		RevertDuration,
		TasksEnqueued,
		TasksResolved,
		PendingTasks,
		DuplicateRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
