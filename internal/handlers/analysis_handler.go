package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"intoview/internal/lifecycle"
	"intoview/internal/middleware"
	"intoview/internal/models"
	"intoview/internal/observer"
	"intoview/internal/repositories"
	"intoview/internal/utils"
)

type ObserverControl interface {
	Start(ctx context.Context, sessionID string) (*observer.Task, bool)
	Stop(sessionID string) bool
	RunNow(ctx context.Context, sessionID string) (*observer.CycleResult, error)
	IsRunning(sessionID string) bool
}

type SessionGetter interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

type AnalysisHandler struct {
	observers ObserverControl
	sessions  SessionGetter
	logger    *zap.Logger
}

func NewAnalysisHandler(observers ObserverControl, sessions SessionGetter, logger *zap.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		observers: observers,
		sessions:  sessions,
		logger:    logger,
	}
}

// AnalysisHandler dispatches the startObserver, stopObserver and runObserverCycleNow
// control actions. Start and stop are idempotent.
func (h *AnalysisHandler) AnalysisHandler(w http.ResponseWriter, r *http.Request) {
	req := middleware.GetValidatedRequest[*models.AnalysisRequest](r)

	switch req.Action {
	case models.AnalysisStart:
		h.start(w, r, req.SessionID)
	case models.AnalysisStop:
		status := "stopped"
		if !h.observers.Stop(req.SessionID) {
			status = "not_running"
		}
		utils.JSON(w, http.StatusOK, models.AnalysisResponse{SessionID: req.SessionID, Status: status})
	case models.AnalysisRun:
		h.run(w, r, req.SessionID)
	}
}

func (h *AnalysisHandler) start(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := h.sessions.Get(r.Context(), sessionID)
	if errors.Is(err, repositories.ErrNotFound) {
		writeError(w, h.logger, lifecycle.ErrSessionNotFound)
		return
	}
	if err != nil {
		writeError(w, h.logger, err, zap.String("session_id", sessionID))
		return
	}
	if session.Status == models.SessionCompleted {
		writeError(w, h.logger, lifecycle.ErrSessionCompleted)
		return
	}

	task, started := h.observers.Start(r.Context(), sessionID)
	if task == nil {
		utils.Error(w, http.StatusInternalServerError, "observer_not_started", "Observer could not be started")
		return
	}
	status := "started"
	if !started {
		status = "already_running"
	}
	utils.JSON(w, http.StatusOK, models.AnalysisResponse{SessionID: sessionID, Status: status, Running: true})
}

func (h *AnalysisHandler) run(w http.ResponseWriter, r *http.Request, sessionID string) {
	res, err := h.observers.RunNow(r.Context(), sessionID)
	if err != nil {
		writeError(w, h.logger, err, zap.String("session_id", sessionID))
		return
	}
	utils.JSON(w, http.StatusOK, models.AnalysisResponse{
		SessionID:      sessionID,
		Status:         "ran",
		Running:        h.observers.IsRunning(sessionID),
		Insights:       len(res.Insights),
		Malformed:      res.Malformed,
		EventsConsumed: res.EventsConsumed,
		ModelCalled:    res.ModelCalled,
	})
}
