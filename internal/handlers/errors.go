package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"intoview/internal/lifecycle"
	"intoview/internal/llm"
	"intoview/internal/models"
	"intoview/internal/observer"
	"intoview/internal/repositories"
	"intoview/internal/sandbox"
	"intoview/internal/utils"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{lifecycle.ErrSessionNotFound, http.StatusNotFound, "session_not_found", "Session not found"},
	{lifecycle.ErrNoActiveSandbox, http.StatusNotFound, "no_active_sandbox", "No active sandbox for session"},
	{lifecycle.ErrSessionCompleted, http.StatusConflict, "session_completed", "Session already completed"},
	{lifecycle.ErrNoChallenge, http.StatusBadRequest, "no_challenge", "No challenge associated with session"},
	{observer.ErrMissingChallenge, http.StatusBadRequest, "no_challenge", "No challenge associated with session"},
	{observer.ErrMissingRubric, http.StatusBadRequest, "no_rubric", "No rubric associated with session"},
	{repositories.ErrNotFound, http.StatusNotFound, "not_found", "Resource not found"},
	{sandbox.ErrUnavailable, http.StatusServiceUnavailable, "sandbox_unavailable", "Sandbox backend unreachable"},
}

// writeError maps a domain error onto an ErrorResponse. Anything unrecognised is logged
// and reported as a 500 without leaking its text.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error, fields ...zap.Field) {
	var errResp *models.ErrorResponse
	if errors.As(err, &errResp) {
		utils.JSON(w, http.StatusBadRequest, *errResp)
		return
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			utils.Error(w, m.status, m.code, m.message)
			return
		}
	}
	if llm.ErrorCode(err) == llm.ErrCodeRateLimit {
		utils.Error(w, http.StatusTooManyRequests, llm.ErrCodeRateLimit, "Reasoning model rate limit exceeded")
		return
	}

	logger.Error("Request failed", append(fields, zap.Error(err))...)
	utils.Error(w, http.StatusInternalServerError, "internal_error", "Internal server error")
}
