package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"intoview/internal/config"
	"intoview/internal/lifecycle"
	"intoview/internal/middleware"
	"intoview/internal/models"
	"intoview/internal/repositories"
	"intoview/internal/utils"
)

const (
	sessionListLimit = 20
	eventPageLimit   = 500
)

type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, limit int) ([]models.Session, error)
}

type EventReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.Event, error)
	ListAfter(ctx context.Context, sessionID string, afterID uint, limit int) ([]models.Event, error)
}

type InsightReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.Insight, error)
	LatestSummary(ctx context.Context, sessionID string) (*models.Insight, error)
	WaitForSummary(ctx context.Context, sessionID string, interval time.Duration, attempts int) (*models.Insight, error)
}

type SessionEnder interface {
	End(ctx context.Context, sessionID string) (*models.EndSessionResponse, error)
}

type SessionHandler struct {
	sessions   SessionStore
	challenges ChallengeStore
	rubrics    RubricStore
	events     EventReader
	insights   InsightReader
	lifecycle  SessionEnder
	summary    config.SummaryConfig
	logger     *zap.Logger
}

func NewSessionHandler(
	sessions SessionStore,
	challenges ChallengeStore,
	rubrics RubricStore,
	events EventReader,
	insights InsightReader,
	lifecycle SessionEnder,
	summary config.SummaryConfig,
	logger *zap.Logger,
) *SessionHandler {
	return &SessionHandler{
		sessions:   sessions,
		challenges: challenges,
		rubrics:    rubrics,
		events:     events,
		insights:   insights,
		lifecycle:  lifecycle,
		summary:    summary,
		logger:     logger,
	}
}

// CreateSessionHandler records a pending session. Nothing is provisioned until the
// candidate opens the sandbox.
func (h *SessionHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	req := middleware.GetValidatedRequest[*models.CreateSessionRequest](r)
	ctx := r.Context()

	if req.ChallengeID != nil {
		if _, err := h.challenges.Get(ctx, *req.ChallengeID); err != nil {
			h.writeMissing(w, err, "challenge_not_found", "Challenge not found")
			return
		}
	}
	if req.RubricID != nil {
		if _, err := h.rubrics.Get(ctx, *req.RubricID); err != nil {
			h.writeMissing(w, err, "rubric_not_found", "Rubric not found")
			return
		}
	}

	session := &models.Session{
		InterviewerID:   req.InterviewerID,
		CandidateName:   req.CandidateName,
		ChallengeID:     req.ChallengeID,
		RubricID:        req.RubricID,
		DurationMinutes: req.DurationMinutes,
		Status:          models.SessionPending,
	}
	if err := h.sessions.Create(ctx, session); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("Session created",
		zap.String("session_id", session.ID),
		zap.String("interviewer_id", session.InterviewerID),
		zap.Int("duration_minutes", session.DurationMinutes))
	utils.JSON(w, http.StatusCreated, session)
}

func (h *SessionHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List(r.Context(), sessionListLimit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	utils.JSON(w, http.StatusOK, sessions)
}

func (h *SessionHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	utils.JSON(w, http.StatusOK, session)
}

// EndSessionHandler is the endSession control action. Repeated calls return the summary
// written by whichever call completed the session.
func (h *SessionHandler) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp, err := h.lifecycle.End(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err, zap.String("session_id", id))
		return
	}
	utils.JSON(w, http.StatusOK, resp)
}

// ListEventsHandler returns the activity log. With ?after=<id> it pages in insertion
// order the way the observer reads it.
func (h *SessionHandler) ListEventsHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var (
		events []models.Event
		err    error
	)
	if after := r.URL.Query().Get("after"); after != "" {
		afterID, parseErr := strconv.ParseUint(after, 10, 64)
		if parseErr != nil {
			utils.Error(w, http.StatusBadRequest, "invalid_after", "after must be an event id")
			return
		}
		events, err = h.events.ListAfter(r.Context(), session.ID, uint(afterID), eventPageLimit)
	} else {
		events, err = h.events.ListBySession(r.Context(), session.ID)
	}
	if err != nil {
		writeError(w, h.logger, err, zap.String("session_id", session.ID))
		return
	}
	utils.JSON(w, http.StatusOK, events)
}

func (h *SessionHandler) ListInsightsHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	insights, err := h.insights.ListBySession(r.Context(), session.ID)
	if err != nil {
		writeError(w, h.logger, err, zap.String("session_id", session.ID))
		return
	}
	if t := models.InsightType(r.URL.Query().Get("type")); t != "" {
		filtered := make([]models.Insight, 0, len(insights))
		for _, insight := range insights {
			if insight.InsightType == t {
				filtered = append(filtered, insight)
			}
		}
		insights = filtered
	}
	utils.JSON(w, http.StatusOK, insights)
}

// GetSummaryHandler returns the latest summary insight. ?wait=1 polls for a bounded time
// for callers that raced the end transition.
func (h *SessionHandler) GetSummaryHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var (
		insight *models.Insight
		err     error
	)
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		insight, err = h.insights.WaitForSummary(r.Context(), session.ID, h.summary.WaitInterval, h.summary.WaitAttempts)
	} else {
		insight, err = h.insights.LatestSummary(r.Context(), session.ID)
	}
	if errors.Is(err, repositories.ErrNotFound) {
		utils.Error(w, http.StatusNotFound, "summary_not_found", "Summary not available yet")
		return
	}
	if err != nil {
		writeError(w, h.logger, err, zap.String("session_id", session.ID))
		return
	}

	content, err := insight.Payload()
	if err != nil {
		writeError(w, h.logger, err, zap.String("session_id", session.ID), zap.Uint("insight_id", insight.ID))
		return
	}
	summary, _ := content.(models.Summary)
	utils.JSON(w, http.StatusOK, models.SummaryResponse{
		SessionID: session.ID,
		InsightID: insight.ID,
		Timestamp: insight.Timestamp,
		Summary:   summary,
	})
}

func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	session, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, repositories.ErrNotFound) {
		writeError(w, h.logger, lifecycle.ErrSessionNotFound)
		return nil, false
	}
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	return session, true
}

func (h *SessionHandler) writeMissing(w http.ResponseWriter, err error, code, message string) {
	if errors.Is(err, repositories.ErrNotFound) {
		utils.Error(w, http.StatusNotFound, code, message)
		return
	}
	writeError(w, h.logger, err)
}
