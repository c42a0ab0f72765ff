package models

import (
	"strings"

	"github.com/google/uuid"
)

type CreateChallengeRequest struct {
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	Difficulty         string            `json:"difficulty"`
	Language           string            `json:"language"`
	GeneratedFiles     map[string]string `json:"generated_files"`
	ExpectedBugs       []ExpectedBug     `json:"expected_bugs"`
	SolutionHints      *string           `json:"solution_hints"`
	SDKDocsURL         *string           `json:"sdk_docs_url"`
	SDKDocsContent     *string           `json:"sdk_docs_content"`
	JobDescriptionText *string           `json:"job_description_text"`
	ResumeText         *string           `json:"resume_text"`
}

// implements the Validator interface
func (r *CreateChallengeRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return &ErrorResponse{Code: "missing_title", Message: "title is required"}
	}
	if strings.TrimSpace(r.Description) == "" {
		return &ErrorResponse{Code: "missing_description", Message: "description is required"}
	}
	if len(r.GeneratedFiles) == 0 {
		return &ErrorResponse{Code: "missing_files", Message: "generated_files must contain at least one file"}
	}
	for path := range r.GeneratedFiles {
		if strings.TrimSpace(path) == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
			return &ErrorResponse{
				Code:    "invalid_file_path",
				Message: "generated file paths must be relative to the project root",
				Details: []ValidationErrorDetail{{Field: "generated_files", Reason: path}},
			}
		}
	}

	r.Difficulty = strings.ToLower(strings.TrimSpace(r.Difficulty))
	if r.Difficulty == "" {
		r.Difficulty = DefaultDifficulty
	}
	if !ValidDifficulties[r.Difficulty] {
		return &ErrorResponse{Code: "invalid_difficulty", Message: "difficulty must be one of easy/medium/hard"}
	}

	r.Language = strings.ToLower(strings.TrimSpace(r.Language))
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	if !SupportedLanguages[r.Language] {
		return &ErrorResponse{Code: "unsupported_language", Message: "language must be one of python/javascript/typescript"}
	}
	return nil
}

func (r *CreateChallengeRequest) ToChallenge() *Challenge {
	return &Challenge{
		Title:              strings.TrimSpace(r.Title),
		Description:        r.Description,
		Difficulty:         r.Difficulty,
		Language:           r.Language,
		GeneratedFiles:     r.GeneratedFiles,
		ExpectedBugs:       r.ExpectedBugs,
		SolutionHints:      r.SolutionHints,
		SDKDocsURL:         r.SDKDocsURL,
		SDKDocsContent:     r.SDKDocsContent,
		JobDescriptionText: r.JobDescriptionText,
		ResumeText:         r.ResumeText,
	}
}

type CreateRubricRequest struct {
	ChallengeID *string           `json:"challenge_id"`
	Criteria    []RubricCriterion `json:"criteria"`
}

func (r *CreateRubricRequest) Validate() error {
	if r.ChallengeID != nil {
		if err := validateID("challenge_id", *r.ChallengeID); err != nil {
			return err
		}
	}
	for i := range r.Criteria {
		r.Criteria[i].Name = strings.TrimSpace(r.Criteria[i].Name)
	}
	return ValidateCriteria(r.Criteria)
}

type CreateSessionRequest struct {
	InterviewerID   string  `json:"interviewer_id"`
	CandidateName   *string `json:"candidate_name"`
	ChallengeID     *string `json:"challenge_id"`
	RubricID        *string `json:"rubric_id"`
	DurationMinutes int     `json:"duration_minutes"`
}

func (r *CreateSessionRequest) Validate() error {
	if strings.TrimSpace(r.InterviewerID) == "" {
		return &ErrorResponse{Code: "missing_interviewer_id", Message: "interviewer_id is required"}
	}
	if r.ChallengeID != nil {
		if err := validateID("challenge_id", *r.ChallengeID); err != nil {
			return err
		}
	}
	if r.RubricID != nil {
		if err := validateID("rubric_id", *r.RubricID); err != nil {
			return err
		}
	}
	if r.DurationMinutes == 0 {
		r.DurationMinutes = DefaultDurationMinutes
	}
	if r.DurationMinutes < MinDurationMinutes || r.DurationMinutes > MaxDurationMinutes {
		return &ErrorResponse{Code: "invalid_duration", Message: "duration_minutes must be between 5 and 240"}
	}
	return nil
}

// SessionRequest addresses a single session, used by create/submit sandbox actions.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

func (r *SessionRequest) Validate() error {
	return validateID("session_id", r.SessionID)
}

type TerminalInputRequest struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

func (r *TerminalInputRequest) Validate() error {
	if err := validateID("session_id", r.SessionID); err != nil {
		return err
	}
	if r.Data == "" {
		return &ErrorResponse{Code: "missing_data", Message: "data is required"}
	}
	return nil
}

type TerminalResizeRequest struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

func (r *TerminalResizeRequest) Validate() error {
	if err := validateID("session_id", r.SessionID); err != nil {
		return err
	}
	if r.Cols <= 0 || r.Rows <= 0 || r.Cols > 1000 || r.Rows > 1000 {
		return &ErrorResponse{Code: "invalid_dimensions", Message: "cols and rows must be between 1 and 1000"}
	}
	return nil
}

type AnalysisAction string

const (
	AnalysisStart AnalysisAction = "start"
	AnalysisStop  AnalysisAction = "stop"
	AnalysisRun   AnalysisAction = "run"
)

type AnalysisRequest struct {
	SessionID string         `json:"session_id"`
	Action    AnalysisAction `json:"action"`
}

func (r *AnalysisRequest) Validate() error {
	if err := validateID("session_id", r.SessionID); err != nil {
		return err
	}
	r.Action = AnalysisAction(strings.ToLower(strings.TrimSpace(string(r.Action))))
	switch r.Action {
	case AnalysisStart, AnalysisStop, AnalysisRun:
		return nil
	case "":
		return &ErrorResponse{Code: "missing_action", Message: "action is required"}
	default:
		return &ErrorResponse{Code: "invalid_action", Message: "action must be one of start/stop/run"}
	}
}

func validateID(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ErrorResponse{Code: "missing_" + field, Message: field + " is required"}
	}
	if _, err := uuid.Parse(value); err != nil {
		return &ErrorResponse{Code: "invalid_" + field, Message: field + " must be a uuid"}
	}
	return nil
}
