package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"intoview/internal/middleware"
	"intoview/internal/models"
	"intoview/internal/utils"
)

type SandboxLifecycle interface {
	Provision(ctx context.Context, sessionID string) (*models.ProvisionResponse, error)
	Submit(ctx context.Context, sessionID string) (*models.SubmitResponse, error)
	SendInput(ctx context.Context, sessionID, data string) error
	Resize(ctx context.Context, sessionID string, cols, rows int) error
}

type SandboxHandler struct {
	lifecycle SandboxLifecycle
	logger    *zap.Logger
}

func NewSandboxHandler(lifecycle SandboxLifecycle, logger *zap.Logger) *SandboxHandler {
	return &SandboxHandler{lifecycle: lifecycle, logger: logger}
}

// CreateHandler provisions the sandbox and activates the session. Calling it again for an
// active session reattaches instead of creating a second sandbox.
func (h *SandboxHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	req := middleware.GetValidatedRequest[*models.SessionRequest](r)

	resp, err := h.lifecycle.Provision(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, h.logger, err, zap.String("session_id", req.SessionID))
		return
	}
	utils.JSON(w, http.StatusOK, resp)
}

func (h *SandboxHandler) InputHandler(w http.ResponseWriter, r *http.Request) {
	req := middleware.GetValidatedRequest[*models.TerminalInputRequest](r)

	if err := h.lifecycle.SendInput(r.Context(), req.SessionID, req.Data); err != nil {
		writeError(w, h.logger, err, zap.String("session_id", req.SessionID))
		return
	}
	utils.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *SandboxHandler) ResizeHandler(w http.ResponseWriter, r *http.Request) {
	req := middleware.GetValidatedRequest[*models.TerminalResizeRequest](r)

	if err := h.lifecycle.Resize(r.Context(), req.SessionID, req.Cols, req.Rows); err != nil {
		writeError(w, h.logger, err, zap.String("session_id", req.SessionID))
		return
	}
	utils.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *SandboxHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	req := middleware.GetValidatedRequest[*models.SessionRequest](r)

	resp, err := h.lifecycle.Submit(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, h.logger, err, zap.String("session_id", req.SessionID))
		return
	}
	utils.JSON(w, http.StatusOK, resp)
}
