package routers

import (
	"github.com/go-chi/chi/v5"

	"intoview/internal/handlers"
	"intoview/internal/middleware"
	"intoview/internal/models"
)

func ChallengeRoutes(router chi.Router, challengeHandler *handlers.ChallengeHandler) {
	router.Route("/api/v1/challenges", func(r chi.Router) {
		r.With(middleware.ValidateRequest[*models.CreateChallengeRequest]()).Post("/", challengeHandler.CreateChallengeHandler)
		r.Get("/{id}", challengeHandler.GetChallengeHandler)
	})
	router.Route("/api/v1/rubrics", func(r chi.Router) {
		r.With(middleware.ValidateRequest[*models.CreateRubricRequest]()).Post("/", challengeHandler.CreateRubricHandler)
		r.Get("/{id}", challengeHandler.GetRubricHandler)
	})
}

func SessionRoutes(router chi.Router, sessionHandler *handlers.SessionHandler) {
	router.Route("/api/v1/sessions", func(r chi.Router) {
		r.With(middleware.ValidateRequest[*models.CreateSessionRequest]()).Post("/", sessionHandler.CreateSessionHandler)
		r.Get("/", sessionHandler.ListSessionsHandler)
		r.Get("/{id}", sessionHandler.GetSessionHandler)
		r.Post("/{id}/end", sessionHandler.EndSessionHandler)
		r.Get("/{id}/events", sessionHandler.ListEventsHandler)
		r.Get("/{id}/insights", sessionHandler.ListInsightsHandler)
		r.Get("/{id}/summary", sessionHandler.GetSummaryHandler)
	})
}

func SandboxRoutes(router chi.Router, sandboxHandler *handlers.SandboxHandler) {
	router.Route("/api/v1/sandbox", func(r chi.Router) {
		r.With(middleware.ValidateRequest[*models.SessionRequest]()).Post("/create", sandboxHandler.CreateHandler)
		r.With(middleware.ValidateRequest[*models.TerminalInputRequest]()).Post("/input", sandboxHandler.InputHandler)
		r.With(middleware.ValidateRequest[*models.TerminalResizeRequest]()).Post("/resize", sandboxHandler.ResizeHandler)
		r.With(middleware.ValidateRequest[*models.SessionRequest]()).Post("/submit", sandboxHandler.SubmitHandler)
	})
}

func AnalysisRoutes(router chi.Router, analysisHandler *handlers.AnalysisHandler) {
	router.With(middleware.ValidateRequest[*models.AnalysisRequest]()).Post("/api/v1/analysis", analysisHandler.AnalysisHandler)
}

func RealtimeRoutes(router chi.Router, realtimeHandler *handlers.RealtimeHandler) {
	router.Get("/ws/sessions/{id}/insights", realtimeHandler.SessionStreamHandler)
	router.Get("/ws/sandbox/{id}/terminal", realtimeHandler.TerminalStreamHandler)
}
