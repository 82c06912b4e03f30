package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resurrect_requests_submitted_total",
		Help: "Restoration requests submitted, by outcome",
	}, []string{"outcome"})

	requestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resurrect_request_transitions_total",
		Help: "Committed request state transitions, by target status",
	}, []string{"status"})

	versionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resurrect_version_conflicts_total",
		Help: "Optimistic concurrency conflicts retried while mutating a request",
	})

	providerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resurrect_provider_calls_total",
		Help: "Calls made to the restore provider, by operation and result",
	}, []string{"op", "result"})

	providerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resurrect_provider_retries_total",
		Help: "Transient provider errors that were retried",
	}, []string{"op"})

	staleOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resurrect_stale_overruns_total",
		Help: "Requests flagged for running far past their estimated restore time",
	})

	estimatedCost = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "resurrect_estimated_restore_cost_dollars",
		Help:    "Estimated one-time restore cost of submitted requests",
		Buckets: []float64{0.1, 1, 5, 10, 50, 100, 500, 1000, 5000},
	})

	restoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "resurrect_restore_duration_seconds",
		Help:    "Wall-clock time from execution start to a terminal status",
		Buckets: prometheus.ExponentialBuckets(60, 2, 14),
	}, []string{"status"})

	activeRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resurrect_active_runners",
		Help: "Requests currently being executed by this process",
	})
)

func providerResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
