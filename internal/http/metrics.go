package httpapi

import (
	"net/http"

	"github.com/Cypherspark/signalerr/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MountMetrics registers the collectors and exposes them at /metrics.
func MountMetrics(r chi.Router) {
	metrics.MustRegister()
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// OpsHandler serves health, readiness and metrics for a process that has no
// other HTTP surface.
func OpsHandler(p Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(instrument)
	MountHealth(r, p)
	MountMetrics(r)
	return r
}
