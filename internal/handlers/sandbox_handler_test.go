package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"intoview/internal/lifecycle"
	"intoview/internal/middleware"
	"intoview/internal/models"
)

const testSessionID = "3d6f1a2b-8c4e-4f7a-9b1d-2e3f4a5b6c7d"

func sandboxRouter(lc *stubLifecycle) http.Handler {
	h := NewSandboxHandler(lc, zap.NewNop())
	r := chi.NewRouter()
	r.With(middleware.ValidateRequest[*models.SessionRequest]()).Post("/create", h.CreateHandler)
	r.With(middleware.ValidateRequest[*models.TerminalInputRequest]()).Post("/input", h.InputHandler)
	r.With(middleware.ValidateRequest[*models.TerminalResizeRequest]()).Post("/resize", h.ResizeHandler)
	r.With(middleware.ValidateRequest[*models.SessionRequest]()).Post("/submit", h.SubmitHandler)
	return r
}

func TestSandboxHandler_Create(t *testing.T) {
	lc := &stubLifecycle{provisionResp: &models.ProvisionResponse{
		SessionID: testSessionID,
		SandboxID: "sbx-1",
		Status:    models.SessionActive,
		PtyPID:    42,
	}}
	router := sandboxRouter(lc)

	rec := doJSON(t, router, http.MethodPost, "/create", map[string]string{"session_id": testSessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[models.ProvisionResponse](t, rec)
	assert.Equal(t, "sbx-1", resp.SandboxID)
	assert.Equal(t, 42, resp.PtyPID)

	rec = doJSON(t, router, http.MethodPost, "/create", map[string]string{"session_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_session_id", errorCode(t, rec))
}

func TestSandboxHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"completed", lifecycle.ErrSessionCompleted, http.StatusConflict, "session_completed"},
		{"no challenge", lifecycle.ErrNoChallenge, http.StatusBadRequest, "no_challenge"},
		{"missing", fmt.Errorf("provision: %w", lifecycle.ErrSessionNotFound), http.StatusNotFound, "session_not_found"},
		{"unexpected", fmt.Errorf("docker exploded"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := sandboxRouter(&stubLifecycle{err: tc.err})
			rec := doJSON(t, router, http.MethodPost, "/create", map[string]string{"session_id": testSessionID})
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestSandboxHandler_Terminal(t *testing.T) {
	lc := &stubLifecycle{}
	router := sandboxRouter(lc)

	rec := doJSON(t, router, http.MethodPost, "/input", map[string]string{"session_id": testSessionID, "data": "ls\n"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/resize", map[string]any{"session_id": testSessionID, "cols": 100, "rows": 30})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ls\n"}, lc.Inputs())
	assert.Equal(t, [][2]int{{100, 30}}, lc.Resizes())

	rec = doJSON(t, router, http.MethodPost, "/resize", map[string]any{"session_id": testSessionID, "cols": 0, "rows": 30})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	lc.err = fmt.Errorf("reconnect: %w", lifecycle.ErrNoActiveSandbox)
	rec = doJSON(t, router, http.MethodPost, "/input", map[string]string{"session_id": testSessionID, "data": "pwd\n"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_active_sandbox", errorCode(t, rec))
}

func TestSandboxHandler_Submit(t *testing.T) {
	passed := true
	lc := &stubLifecycle{submitResp: &models.SubmitResponse{
		SessionID:   testSessionID,
		TestsRan:    true,
		TestsPassed: &passed,
		Ended:       true,
		Summary:     &models.Summary{OverallScore: 90},
	}}
	router := sandboxRouter(lc)

	rec := doJSON(t, router, http.MethodPost, "/submit", map[string]string{"session_id": testSessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[models.SubmitResponse](t, rec)
	require.NotNil(t, resp.TestsPassed)
	assert.True(t, *resp.TestsPassed)
	assert.True(t, resp.Ended)
}
