// Package metrics provides Prometheus metrics for crmsync.
//
// # Basic Usage
//
//	// Count records passing a stage
//	metrics.RecordsTotal.WithLabelValues("accounts", metrics.StageUpsert, metrics.StatusSuccess).Inc()
//
//	// Time a stage
//	timer := metrics.NewTimer()
//	runStage()
//	metrics.StageDuration.WithLabelValues(metrics.StageFetch).Observe(timer.Stop().Seconds())
//
// All metrics are registered with the default registry through promauto
// and served by promhttp on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage labels
const (
	StageFetch     = "fetch"
	StageTransform = "transform"
	StageUpsert    = "upsert"
	StageJoin      = "join"
)

// Status labels
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDropped = "dropped"
	StatusSkipped = "skipped"
)

var (
	// RecordsTotal counts records per mapping and stage.
	// Labels: mapping, stage (fetch/transform/upsert/join), status
	//
	// Example:
	//	metrics.RecordsTotal.WithLabelValues("contacts", "fetch", "dropped").Inc()
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_records_total",
			Help: "Total number of records handled per mapping and stage",
		},
		[]string{"mapping", "stage", "status"},
	)

	// RunsTotal counts finished sync runs by outcome (completed/failed)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_runs_total",
			Help: "Total number of sync runs by outcome",
		},
		[]string{"outcome", "resync"},
	)

	// RunDuration tracks whole-run wall time in seconds
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crmsync_run_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// StageDuration tracks per-stage wall time across all mappings
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"stage"},
	)

	// RunInProgress is 1 while a run is active
	RunInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crmsync_run_in_progress",
			Help: "Whether a sync run is currently active",
		},
	)

	// WatermarkTimestamp exposes the last successful run start as unix seconds
	WatermarkTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crmsync_watermark_timestamp_seconds",
			Help: "Start time of the last successful sync run",
		},
	)

	// RemoteRequests counts CRM API calls by status class
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_remote_requests_total",
			Help: "Total number of remote API requests",
		},
		[]string{"method", "status"},
	)

	// RemoteLatency tracks CRM API call latency in seconds
	RemoteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_remote_request_duration_seconds",
			Help:    "Remote API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// RemoteRateLimitWait tracks time spent waiting for a rate limit token per host
	RemoteRateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmsync_remote_rate_limit_wait_seconds",
			Help:    "Time spent waiting for the client-side rate limiter",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"host"},
	)

	// RemoteAPIUsage exposes the API usage the remote reports per host.
	// Labels: host, kind (used/limit)
	RemoteAPIUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crmsync_remote_api_usage",
			Help: "Remote API calls used and allowed in the current window",
		},
		[]string{"host", "kind"},
	)

	// EventsPublished counts run events by outcome
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_events_published_total",
			Help: "Run events published to the message broker",
		},
		[]string{"status"},
	)

	// HTTPRequests counts served HTTP requests by route and status code
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_http_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"route", "code"},
	)

	// ScheduledRuns counts scheduler ticks by outcome (started/skipped/failed)
	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_scheduled_runs_total",
			Help: "Scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	// ArchiveUploads counts raw archive uploads by outcome
	ArchiveUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmsync_archive_uploads_total",
			Help: "Raw record archive uploads",
		},
		[]string{"mapping", "status"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It may be called
// more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
