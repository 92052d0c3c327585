package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/kestrelci/controller/pkg/metrics"
)

// mountHealth registers the liveness, readiness, and Prometheus scrape
// endpoints. These are public {P} endpoints — no principal required.
//
// Readiness tracks the three components the controller cannot serve
// traffic without: store, queue, heartbeat. pkg/controller registers each
// one unhealthy in New and marks it healthy once its startup step has
// succeeded; nothing marks a component unhealthy after startup. This
// handler only exposes the aggregate.
func mountHealth(r chi.Router) {
	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())
}
