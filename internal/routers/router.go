package routers

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"intoview/internal/handlers"
	"intoview/internal/metrics"
)

type Handlers struct {
	Health    *handlers.HealthHandler
	Challenge *handlers.ChallengeHandler
	Session   *handlers.SessionHandler
	Sandbox   *handlers.SandboxHandler
	Analysis  *handlers.AnalysisHandler
	Realtime  *handlers.RealtimeHandler
}

type Options struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter builds the service router. Websocket routes sit outside the request timeout
// because they live for the whole interview.
func NewRouter(h Handlers, opts Options) *chi.Mux {
	router := chi.NewRouter()

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, metrics.Middleware)

	HealthRoutes(router, h.Health)
	RealtimeRoutes(router, h.Realtime)

	router.Group(func(r chi.Router) {
		if opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(opts.RequestTimeout))
		}
		ChallengeRoutes(r, h.Challenge)
		SessionRoutes(r, h.Session)
		SandboxRoutes(r, h.Sandbox)
		AnalysisRoutes(r, h.Analysis)
	})

	return router
}
