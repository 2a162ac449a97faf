// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadPartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upload_parts_total",
		Help: "Upload parts received, by outcome",
	}, []string{"outcome"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_total",
		Help: "Jobs that reached a terminal status",
	}, []string{"type", "status"})

	JobsGated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_gated_total",
		Help: "Jobs delayed because their owner was at the concurrency cap",
	}, []string{"type"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active_jobs",
		Help: "Number of jobs currently processing on this node",
	})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Wall time from PROCESSING to a terminal status",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"type"})

	QueueDeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_dead_letters_total",
		Help: "Work items moved to a dead-letter queue",
	}, []string{"queue"})
)
