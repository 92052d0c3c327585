package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Build metrics
	BuildsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controller_builds_total",
			Help: "Total number of builds by platform and status",
		},
		[]string{"platform", "status"},
	)

	BuildsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controller_builds_submitted_total",
			Help: "Total number of builds submitted by platform",
		},
		[]string{"platform"},
	)

	BuildsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controller_builds_completed_total",
			Help: "Total number of builds completed by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	BuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controller_build_duration_seconds",
			Help:    "Time from assignment to terminal status, in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"platform", "outcome"},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controller_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	WorkerTokenRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_worker_token_rotations_total",
			Help: "Total number of worker access token rotations",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controller_queue_depth",
			Help: "Current number of pending builds in the queue",
		},
	)

	QueueEnqueueTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_queue_enqueue_total",
			Help: "Total number of builds enqueued",
		},
	)

	// Assignment metrics
	AssignmentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controller_assignment_latency_seconds",
			Help:    "Time taken to assign a pending build to a polling worker, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AssignmentAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controller_assignment_attempts_total",
			Help: "Total number of assignment attempts by outcome",
		},
		[]string{"outcome"},
	)

	// HTTP surface metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controller_api_requests_total",
			Help: "Total number of API requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controller_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Heartbeat monitor metrics
	MonitorSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controller_monitor_sweep_duration_seconds",
			Help:    "Time taken for a heartbeat monitor sweep, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MonitorSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_monitor_sweeps_total",
			Help: "Total number of heartbeat monitor sweeps completed",
		},
	)

	BuildsMarkedStuckTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_builds_marked_stuck_total",
			Help: "Total number of builds marked failed for exceeding the build timeout",
		},
	)

	WorkersMarkedOfflineTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_workers_marked_offline_total",
			Help: "Total number of workers marked offline for missing the heartbeat window",
		},
	)

	// Artifact storage metrics
	ArtifactBytesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controller_artifact_bytes_written_total",
			Help: "Total bytes written to artifact storage by kind",
		},
		[]string{"kind"},
	)

	ArtifactWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controller_artifact_write_duration_seconds",
			Help:    "Time taken to write an artifact blob to storage, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildsSubmittedTotal)
	prometheus.MustRegister(BuildsCompletedTotal)
	prometheus.MustRegister(BuildDuration)

	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerTokenRotationsTotal)

	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueEnqueueTotal)

	prometheus.MustRegister(AssignmentLatency)
	prometheus.MustRegister(AssignmentAttemptsTotal)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	prometheus.MustRegister(MonitorSweepDuration)
	prometheus.MustRegister(MonitorSweepsTotal)
	prometheus.MustRegister(BuildsMarkedStuckTotal)
	prometheus.MustRegister(WorkersMarkedOfflineTotal)

	prometheus.MustRegister(ArtifactBytesWrittenTotal)
	prometheus.MustRegister(ArtifactWriteDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
