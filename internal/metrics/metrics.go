// Package metrics holds the Prometheus collectors for the history batching
// layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "history_absorber",
		Name:      "flushes_total",
		Help:      "Successful batch flushes, by trigger.",
	}, []string{"trigger"})

	FlushFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "history_absorber",
		Name:      "flush_failures_total",
		Help:      "Failed batch flushes, by trigger. Records are kept for retry.",
	}, []string{"trigger"})

	FlushedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "history_absorber",
		Name:      "flushed_records_total",
		Help:      "Records handed to the document store by successful flushes.",
	})

	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "history_absorber",
		Name:      "flush_duration_seconds",
		Help:      "Time spent in the document store call of a flush.",
		Buckets:   prometheus.DefBuckets,
	})

	PendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "history_absorber",
		Name:      "pending_records",
		Help:      "Records buffered across all batches and not yet flushed.",
	})

	RejectedSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "history_absorber",
		Name:      "rejected_submissions_total",
		Help:      "Submissions refused by the accumulator, by reason.",
	}, []string{"reason"})

	SessionActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "history_absorber",
		Name:      "session_actions_total",
		Help:      "Actions taken by the player health poller.",
	}, []string{"action"})
)
