// Package ops exposes a node's internal admin surface: a liveness probe and
// a Prometheus scrape endpoint. It is not a domain REST API — the
// marketplace core's RPC surface is the transport bus, not HTTP — but every
// long-running node in the corpus exposes an ops surface of this shape,
// grounded on `gateway/routes/router.go`'s chi router and `/healthz` route.
package ops

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer builds the admin HTTP handler: `/healthz` for liveness and
// `/metrics` for Prometheus scraping of the collectors registered in
// `observability/metrics`.
func NewServer() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
