package models

import "time"

// uniform error responses
type ErrorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Details []ValidationErrorDetail `json:"details,omitempty"`
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

// single field validation error
type ValidationErrorDetail struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// raw model output, never interpreted by the provider
type GenerationResponse struct {
	Text     string             `json:"text"`
	Metadata GenerationMetadata `json:"metadata"`
}

type GenerationMetadata struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	ProcessingTime int    `json:"processing_time_ms"`
	FinishReason   string `json:"finish_reason,omitempty"`
}

type ProvisionResponse struct {
	SessionID string        `json:"session_id"`
	SandboxID string        `json:"sandbox_id"`
	Status    SessionStatus `json:"status"`
	PtyPID    int           `json:"pty_pid,omitempty"`
	Reused    bool          `json:"reused"`
}

type EndSessionResponse struct {
	SessionID string  `json:"session_id"`
	Summary   Summary `json:"summary"`
	Ended     bool    `json:"ended"`
}

type SubmitResponse struct {
	SessionID   string   `json:"session_id"`
	TestsRan    bool     `json:"tests_ran"`
	TestsPassed *bool    `json:"tests_passed"`
	TestOutput  string   `json:"test_output,omitempty"`
	Attempt     int      `json:"attempt"`
	Ended       bool     `json:"ended"`
	Summary     *Summary `json:"summary,omitempty"`
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

type AnalysisResponse struct {
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	Running        bool   `json:"running"`
	Insights       int    `json:"insights,omitempty"`
	Malformed      int    `json:"malformed,omitempty"`
	EventsConsumed int    `json:"events_consumed,omitempty"`
	ModelCalled    bool   `json:"model_called,omitempty"`
}

type SummaryResponse struct {
	SessionID string    `json:"session_id"`
	InsightID uint      `json:"insight_id"`
	Timestamp time.Time `json:"timestamp"`
	Summary   Summary   `json:"summary"`
}
