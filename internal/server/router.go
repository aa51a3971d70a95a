// Package server builds the chi routers for pingwall's listeners: the
// per-port traffic router (local /health plus the gateway handler for
// everything else) and the separate metrics-only router bound to
// metrics_port, following the teacher's internal/httpserver.NewRouter
// composition style.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the per-listener router. gw handles every request that
// isn't /health.
func NewRouter(gw http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(AccessLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}` + "\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	r.Mount("/", gw)

	return r
}

// NewMetricsRouter builds the dedicated metrics listener's router, serving
// Prometheus text exposition at GET /metrics per spec §6.
func NewMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
