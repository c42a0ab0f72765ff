package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"intoview/internal/middleware"
	"intoview/internal/models"
	"intoview/internal/utils"
)

type ChallengeStore interface {
	Create(ctx context.Context, challenge *models.Challenge) error
	Get(ctx context.Context, id string) (*models.Challenge, error)
}

type RubricStore interface {
	Create(ctx context.Context, rubric *models.Rubric) error
	Get(ctx context.Context, id string) (*models.Rubric, error)
}

type ChallengeHandler struct {
	challenges ChallengeStore
	rubrics    RubricStore
	logger     *zap.Logger
}

func NewChallengeHandler(challenges ChallengeStore, rubrics RubricStore, logger *zap.Logger) *ChallengeHandler {
	return &ChallengeHandler{
		challenges: challenges,
		rubrics:    rubrics,
		logger:     logger,
	}
}

func (h *ChallengeHandler) CreateChallengeHandler(w http.ResponseWriter, r *http.Request) {
	req := middleware.GetValidatedRequest[*models.CreateChallengeRequest](r)

	challenge := req.ToChallenge()
	if err := h.challenges.Create(r.Context(), challenge); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("Challenge created",
		zap.String("challenge_id", challenge.ID),
		zap.String("language", challenge.Language),
		zap.Int("files", len(challenge.GeneratedFiles)))
	utils.JSON(w, http.StatusCreated, challenge)
}

func (h *ChallengeHandler) GetChallengeHandler(w http.ResponseWriter, r *http.Request) {
	challenge, err := h.challenges.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	utils.JSON(w, http.StatusOK, challenge)
}

// CreateRubricHandler stores a rubric. Weights are checked by the request validator and
// again by the store, so an invalid rubric never reaches the table.
func (h *ChallengeHandler) CreateRubricHandler(w http.ResponseWriter, r *http.Request) {
	req := middleware.GetValidatedRequest[*models.CreateRubricRequest](r)

	if req.ChallengeID != nil {
		if _, err := h.challenges.Get(r.Context(), *req.ChallengeID); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	rubric := &models.Rubric{ChallengeID: req.ChallengeID, Criteria: req.Criteria}
	if err := h.rubrics.Create(r.Context(), rubric); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("Rubric created",
		zap.String("rubric_id", rubric.ID),
		zap.Int("criteria", len(rubric.Criteria)),
		zap.Float64("total_weight", rubric.TotalWeight))
	utils.JSON(w, http.StatusCreated, rubric)
}

func (h *ChallengeHandler) GetRubricHandler(w http.ResponseWriter, r *http.Request) {
	rubric, err := h.rubrics.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	utils.JSON(w, http.StatusOK, rubric)
}
