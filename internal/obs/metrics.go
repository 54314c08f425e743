// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/jono/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jono_jobs_submitted_total",
		Help: "Total number of jobs submitted",
	}, []string{"topic"})
	JobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jono_jobs_claimed_total",
		Help: "Total number of jobs claimed by consumers",
	}, []string{"topic"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jono_jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	}, []string{"topic"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jono_jobs_failed_total",
		Help: "Total number of jobs moved to the failed set after exhausting retries",
	}, []string{"topic"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jono_jobs_retried_total",
		Help: "Total number of job requeues after a failed attempt",
	}, []string{"topic"})
	JobsAborted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jono_jobs_aborted_total",
		Help: "Total number of jobs aborted",
	}, []string{"topic"})
	JobsHarvested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jono_jobs_harvested_total",
		Help: "Total number of completed jobs harvested",
	}, []string{"topic"})
	JobsExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jono_jobs_expired_total",
		Help: "Total number of stuck running jobs reclaimed by the janitor plus completed entries dropped past their harvest expiry",
	}, []string{"topic"})
	JobsPromoted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jono_jobs_promoted_total",
		Help: "Total number of postponed jobs promoted to queued",
	}, []string{"topic"})
	JobsReclaimedOrphan = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jono_jobs_reclaimed_orphan_total",
		Help: "Total number of jobs requeued after being found orphaned (metadata with no state set membership)",
	}, []string{"topic"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jono_job_processing_duration_seconds",
		Help:    "Histogram of worker processing durations (the worker call only)",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jono_queue_depth",
		Help: "Current number of members in a topic's state set",
	}, []string{"topic", "state"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jono_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"topic", "role"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jono_circuit_breaker_trips_total",
		Help: "Count of times a circuit breaker transitioned to Open",
	}, []string{"topic", "role"})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsClaimed, JobsCompleted, JobsFailed, JobsRetried,
		JobsAborted, JobsHarvested, JobsExpired, JobsPromoted, JobsReclaimedOrphan,
		JobProcessingDuration, QueueDepth, CircuitBreakerState, CircuitBreakerTrips,
	)
}

// StartMetricsServer exposes /metrics alone. Prefer StartHTTPServer, which
// also registers the health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
