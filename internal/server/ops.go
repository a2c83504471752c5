package server

import (
	"MarginLedger/internal/observability"
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewOpsRouter serves metrics and health probes. gatherer defaults to the
// global Prometheus registry.
func NewOpsRouter(health *observability.HealthChecker, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)
	return r
}

// OpsServer exposes the ops router.
type OpsServer struct {
	server *http.Server
	logger zerolog.Logger
}

func NewOpsServer(addr string, handler http.Handler, logger zerolog.Logger) *OpsServer {
	return &OpsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until ctx is cancelled.
func (s *OpsServer) Start(ctx context.Context) error {
	return serveHTTP(ctx, s.server, s.logger, "ops server")
}
