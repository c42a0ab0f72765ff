package routers

import (
	"github.com/go-chi/chi/v5"

	"intoview/internal/handlers"
	"intoview/internal/metrics"
)

func HealthRoutes(router chi.Router, healthHandler *handlers.HealthHandler) {
	router.Get("/healthz", healthHandler.HealthzHandler)
	router.Get("/readyz", healthHandler.ReadyzHandler)
	router.Method("GET", "/metrics", metrics.Handler())
}
