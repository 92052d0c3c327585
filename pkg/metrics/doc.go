/*
Package metrics provides Prometheus metrics collection and exposition for the
controller.

Metrics are registered at package init against the default Prometheus
registry and exposed for scraping via the /metrics endpoint mounted by
pkg/httpapi. They cover the build lifecycle, worker pool, queue depth,
assignment latency, the HTTP surface itself, the heartbeat monitor's sweep
loop, and artifact storage writes.

# Metrics Catalog

Build metrics:

controller_builds_total{platform,status}:
  - Type: Gauge
  - Current number of builds by platform (ios/android) and status

controller_builds_submitted_total{platform}:
  - Type: Counter
  - Total builds submitted, by platform

controller_builds_completed_total{platform,outcome}:
  - Type: Counter
  - Total builds reaching a terminal status, by platform and outcome
    (completed/failed)

controller_build_duration_seconds{platform,outcome}:
  - Type: Histogram
  - Time from assignment to terminal status
  - Buckets: 5s .. 3600s, matching expected build run times

Worker metrics:

controller_workers_total{status}:
  - Type: Gauge
  - Total workers by status (idle/building/offline)

controller_worker_token_rotations_total:
  - Type: Counter
  - Total worker access token rotations (see pkg/auth's rotate-before-expiry
    rule)

Queue metrics:

controller_queue_depth:
  - Type: Gauge
  - Current number of pending builds in the queue

controller_queue_enqueue_total:
  - Type: Counter
  - Total builds enqueued

Assignment metrics:

controller_assignment_latency_seconds:
  - Type: Histogram
  - Time taken by one Assignment Service call on behalf of a polling
    worker (worker lookup through commit)

controller_assignment_attempts_total{outcome}:
  - Type: Counter
  - Total assignment attempts by outcome (assigned/no_work/error)

HTTP surface metrics:

controller_api_requests_total{method,route,status}:
  - Type: Counter
  - Total API requests by method, route, and response status

controller_api_request_duration_seconds{method,route}:
  - Type: Histogram
  - Request duration, default Prometheus buckets

Heartbeat monitor metrics:

controller_monitor_sweep_duration_seconds:
  - Type: Histogram
  - Time taken for one heartbeat monitor sweep

controller_monitor_sweeps_total:
  - Type: Counter
  - Total sweeps completed

controller_builds_marked_stuck_total:
  - Type: Counter
  - Total builds marked failed for exceeding the build timeout

controller_workers_marked_offline_total:
  - Type: Counter
  - Total workers marked offline for missing the heartbeat window

Artifact storage metrics:

controller_artifact_bytes_written_total{kind}:
  - Type: Counter
  - Total bytes written to artifact storage, by kind (source/certs/result)

controller_artifact_write_duration_seconds{kind}:
  - Type: Histogram
  - Time taken to write an artifact blob

# Usage

	import "github.com/kestrelci/controller/pkg/metrics"

	metrics.BuildsSubmittedTotal.WithLabelValues("ios").Inc()

	timer := metrics.NewTimer()
	// ... assign the build ...
	timer.ObserveDuration(metrics.AssignmentLatency)

	timer := metrics.NewTimer()
	// ... handle the request ...
	timer.ObserveDurationVec(metrics.APIRequestDuration, "POST", "/api/builds/submit")

# Health

pkg/httpapi also mounts /healthz, /readyz, and /livez. Their responses are
backed by this package's component health registry (RegisterComponent,
UpdateComponent) rather than the Prometheus metrics above: pkg/controller
registers each of the controller's long-lived dependencies (store, queue,
heartbeat monitor) unhealthy at construction and flips it healthy once
its startup step has completed, so /readyz reflects startup readiness
instead of process liveness alone. No component is marked unhealthy
again after startup.

# Integration Points

  - pkg/controller: registers and updates store/queue/heartbeat component
    health during New and Start
  - pkg/queue: updates queue depth and records assignment attempt
    outcomes
  - pkg/assignment: records assignment latency
  - pkg/heartbeat: records sweep duration and stuck-build/offline-worker
    counts
  - pkg/httpapi: instruments request count and duration via middleware,
    mounts the /metrics endpoint itself
  - pkg/artifact: records bytes written and write duration per blob kind
  - Prometheus: scrapes /metrics

# Design Patterns

Package init registration:
  - All metrics registered in init() via MustRegister, which panics on
    duplicate registration — any mistake surfaces at process start, not
    under load
  - No runtime registration; every metric exists before main() runs

Label discipline:
  - Labels are bounded enum values (platform, status, outcome, method,
    route, kind) — never build IDs, worker IDs, or timestamps
  - Route labels use the chi route pattern (e.g. "/api/builds/{buildID}/status"), not
    the literal request path, to keep cardinality fixed

Timer helper:
  - NewTimer captures a start time; ObserveDuration/ObserveDurationVec
    compute elapsed seconds and record it in one call at the end of a
    request or sweep

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
