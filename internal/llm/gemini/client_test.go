package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"intoview/internal/llm"

	"google.golang.org/genai"
)

func newStubClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	server := httptest.NewServer(handler)

	genaiClient, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     "test",
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: server.Client(),
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    server.URL,
			APIVersion: "v1beta",
		},
	})
	if err != nil {
		t.Fatalf("failed to create genai client: %v", err)
	}

	client := &Client{
		client: genaiClient,
		config: &Config{APIKey: "test", Model: "test-model"},
	}

	return client, server.Close
}

func TestClientGenerateSuccess(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/test-model:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "you are an observer") {
			t.Errorf("expected system instruction in request body: %s", body)
		}
		if !strings.Contains(string(body), "maxOutputTokens") {
			t.Errorf("expected output token bound in request body: %s", body)
		}
		resp := map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"role": "model",
						"parts": []map[string]any{
							{"text": "hello world"},
						},
					},
					"finishReason": "STOP",
				},
			},
			"modelVersion": "test-version",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}

	client, cleanup := newStubClient(t, handler)
	defer cleanup()

	resp, err := client.Generate(context.Background(), "you are an observer", "events", 256)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if resp.Text != "hello world" {
		t.Fatalf("expected response text, got %s", resp.Text)
	}
	if resp.Metadata.Model != "test-model" || resp.Metadata.Provider != "gemini" {
		t.Fatalf("expected metadata to include model, got %+v", resp.Metadata)
	}
	if resp.Metadata.FinishReason != "STOP" {
		t.Fatalf("expected finish reason STOP, got %s", resp.Metadata.FinishReason)
	}
}

func TestClientGenerateRateLimit(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "429 rate limit", http.StatusTooManyRequests)
	}
	client, cleanup := newStubClient(t, handler)
	defer cleanup()

	_, err := client.Generate(context.Background(), "sys", "user", 0)
	if err == nil {
		t.Fatal("expected error")
	}
	provErr, ok := err.(*llm.ProviderError)
	if !ok || provErr.Code != llm.ErrCodeRateLimit {
		t.Fatalf("expected provider rate limit error, got %v", err)
	}
}

func TestClientGenerateEmptyResponse(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"candidates": []map[string]any{{"content": map[string]any{"parts": []map[string]any{{"text": ""}}}}}}
		json.NewEncoder(w).Encode(resp)
	}
	client, cleanup := newStubClient(t, handler)
	defer cleanup()

	if _, err := client.Generate(context.Background(), "sys", "user", 0); err == nil {
		t.Fatal("expected error for empty response")
	}
}

func TestClientGenerateEmptyInput(t *testing.T) {
	client := &Client{config: &Config{Model: "test-model"}}
	_, err := client.Generate(context.Background(), "sys", "   ", 0)
	if llm.ErrorCode(err) != llm.ErrCodeInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestGetProviderNameAndErrorHelpers(t *testing.T) {
	client := &Client{}
	if client.GetProviderName() != "gemini" {
		t.Fatalf("expected provider name gemini")
	}

	cases := map[string]bool{
		"429 rate limit exceeded": true,
		"RESOURCE_EXHAUSTED":      true,
		"quota exceeded":          true,
		"other error":             false,
	}
	for input, expect := range cases {
		if got := isRateLimitError(errors.New(input)); got != expect {
			t.Fatalf("isRateLimitError(%s) = %v, expected %v", input, got, expect)
		}
	}
	if isRateLimitError(nil) {
		t.Fatalf("expected nil error to return false")
	}

	if got := classifyError(context.Background(), errors.New("Error 403, PERMISSION_DENIED")); got.Code != llm.ErrCodeAPIKey {
		t.Fatalf("expected api key code, got %s", got.Code)
	}
	if got := classifyError(context.Background(), context.DeadlineExceeded); got.Code != llm.ErrCodeTimeout {
		t.Fatalf("expected timeout code, got %s", got.Code)
	}
	if got := classifyError(context.Background(), errors.New("connection reset")); got.Code != llm.ErrCodeServiceDown {
		t.Fatalf("expected service down code, got %s", got.Code)
	}
}

func TestClassifyErrorUsesAPIStatus(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{genai.APIError{Code: http.StatusTooManyRequests, Status: "RESOURCE_EXHAUSTED"}, llm.ErrCodeRateLimit},
		{fmt.Errorf("generate: %w", genai.APIError{Code: http.StatusForbidden}), llm.ErrCodeAPIKey},
		// the status wins over words in the message
		{genai.APIError{Code: http.StatusBadRequest, Message: "quota field malformed"}, llm.ErrCodeInvalidInput},
		{genai.APIError{Code: http.StatusGatewayTimeout}, llm.ErrCodeTimeout},
		{genai.APIError{Code: http.StatusServiceUnavailable, Message: "error 400 upstream"}, llm.ErrCodeServiceDown},
	}
	for _, tc := range cases {
		if got := classifyError(context.Background(), tc.err); got.Code != tc.want {
			t.Fatalf("classifyError(%v) = %s, expected %s", tc.err, got.Code, tc.want)
		}
	}
}
