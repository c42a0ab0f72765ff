package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"intoview/internal/models"
	"intoview/internal/observer"
)

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch v := body.(type) {
		case string:
			buf.WriteString(v)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(v))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[models.ErrorResponse](t, rec).Code
}

// stubLifecycle records control actions and returns canned results.
type stubLifecycle struct {
	mu sync.Mutex

	endResp       *models.EndSessionResponse
	provisionResp *models.ProvisionResponse
	submitResp    *models.SubmitResponse
	err           error

	ended   []string
	inputs  []string
	resizes [][2]int
}

func (s *stubLifecycle) End(_ context.Context, sessionID string) (*models.EndSessionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, sessionID)
	return s.endResp, s.err
}

func (s *stubLifecycle) Provision(context.Context, string) (*models.ProvisionResponse, error) {
	return s.provisionResp, s.err
}

func (s *stubLifecycle) Submit(context.Context, string) (*models.SubmitResponse, error) {
	return s.submitResp, s.err
}

func (s *stubLifecycle) SendInput(_ context.Context, _ string, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, data)
	return s.err
}

func (s *stubLifecycle) Resize(_ context.Context, _ string, cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, [2]int{cols, rows})
	return s.err
}

func (s *stubLifecycle) Inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs...)
}

func (s *stubLifecycle) Resizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.resizes...)
}

// stubObservers mimics the supervisor registry.
type stubObservers struct {
	mu      sync.Mutex
	running map[string]bool
	result  *observer.CycleResult
	runErr  error
}

func newStubObservers() *stubObservers {
	return &stubObservers{running: map[string]bool{}}
}

func (s *stubObservers) Start(_ context.Context, sessionID string) (*observer.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &observer.Task{SessionID: sessionID}
	if s.running[sessionID] {
		return task, false
	}
	s.running[sessionID] = true
	return task, true
}

func (s *stubObservers) Stop(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.running[sessionID]
	delete(s.running, sessionID)
	return was
}

func (s *stubObservers) RunNow(context.Context, string) (*observer.CycleResult, error) {
	return s.result, s.runErr
}

func (s *stubObservers) IsRunning(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[sessionID]
}
