package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "argos"

var (
	buildsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "builds_created_total",
		Help:      "Builds created.",
	})

	buildsConcluded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "builds_concluded_total",
		Help:      "Builds that reached a terminal job status, by aggregated status.",
	}, []string{"status"})

	buildsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "builds_expired_total",
		Help:      "Builds expired by the sweeper.",
	})

	diffsComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "diffs_computed_total",
		Help:      "Screenshot diffs scored, by result.",
	}, []string{"result"})

	diffDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "diff_duration_seconds",
		Help:      "Time to fetch, decode and compare one screenshot pair.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	batchesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "batches_recorded_total",
		Help:      "Upload batches recorded.",
	})

	lockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the build creation lock.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~65s
	})
)

// Diff results.
const (
	diffResultUnchanged = "unchanged"
	diffResultChanged   = "changed"
	diffResultError     = "error"
)
