/*
metrics.go - Queue observability counters

PURPOSE:
  Prometheus counters and timings for the background job pipeline. Labeled
  by job kind so a stuck daily reprocess is distinguishable from a noisy
  stage-event stream.
*/
package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_enqueued_total",
		Help: "Jobs accepted into the queue.",
	}, []string{"kind"})

	jobsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_deduplicated_total",
		Help: "Enqueue attempts dropped because an identical job was pending.",
	}, []string{"kind"})

	jobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_dropped_total",
		Help: "Jobs rejected because the queue buffer was full.",
	}, []string{"kind"})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_completed_total",
		Help: "Jobs that finished successfully.",
	}, []string{"kind"})

	jobsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_skipped_total",
		Help: "Jobs skipped because the tenant-day lock was held.",
	}, []string{"kind"})

	jobsInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_invalid_total",
		Help: "Jobs dropped for malformed payloads (never retried).",
	}, []string{"kind"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_jobs_failed_total",
		Help: "Jobs that exhausted their retry budget.",
	}, []string{"kind"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_job_duration_seconds",
		Help:    "Wall time of one job including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)
