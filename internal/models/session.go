package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

const DefaultDurationMinutes = 45

// Session is one interview. Challenge and Rubric are loaded with Preload when needed.
type Session struct {
	ID              string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	InterviewerID   string        `gorm:"not null;index" json:"interviewer_id"`
	CandidateName   *string       `json:"candidate_name"`
	ChallengeID     *string       `gorm:"type:varchar(36);index" json:"challenge_id"`
	RubricID        *string       `gorm:"type:varchar(36);index" json:"rubric_id"`
	SandboxID       *string       `json:"sandbox_id"`
	Status          SessionStatus `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`
	DurationMinutes int           `gorm:"not null;default:45" json:"duration_minutes"`
	StartedAt       *time.Time    `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at"`
	CreatedAt       time.Time     `json:"created_at"`

	Challenge *Challenge `gorm:"foreignKey:ChallengeID" json:"challenges,omitempty"`
	Rubric    *Rubric    `gorm:"foreignKey:RubricID" json:"rubrics,omitempty"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = SessionPending
	}
	if s.DurationMinutes <= 0 {
		s.DurationMinutes = DefaultDurationMinutes
	}
	return nil
}

// Elapsed returns how long the session has been running at now, zero if it never started.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(*s.StartedAt) {
		return 0
	}
	return end.Sub(*s.StartedAt)
}

// Deadline is started_at plus the duration budget.
func (s *Session) Deadline() (time.Time, bool) {
	if s.StartedAt == nil {
		return time.Time{}, false
	}
	return s.StartedAt.Add(time.Duration(s.DurationMinutes) * time.Minute), true
}

type ExpectedBug struct {
	Description string `json:"description"`
	File        string `json:"file"`
	Hint        string `json:"hint"`
}

// Challenge is the generated buggy codebase a candidate works on. It is never updated.
type Challenge struct {
	ID                 string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Title              string            `gorm:"not null" json:"title"`
	Description        string            `gorm:"type:text;not null" json:"description"`
	Difficulty         string            `gorm:"not null;default:medium" json:"difficulty"`
	SDKDocsURL         *string           `json:"sdk_docs_url"`
	SDKDocsContent     *string           `gorm:"type:text" json:"sdk_docs_content"`
	JobDescriptionText *string           `gorm:"type:text" json:"job_description_text"`
	ResumeText         *string           `gorm:"type:text" json:"resume_text"`
	GeneratedFiles     map[string]string `gorm:"type:text;serializer:json" json:"generated_files"`
	SolutionHints      *string           `gorm:"type:text" json:"solution_hints"`
	ExpectedBugs       []ExpectedBug     `gorm:"type:text;serializer:json" json:"expected_bugs"`
	Language           string            `gorm:"not null;default:typescript" json:"language"`
	CreatedAt          time.Time         `json:"created_at"`
}

func (c *Challenge) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// Hints returns the private solution hints or an empty string.
func (c *Challenge) Hints() string {
	if c.SolutionHints == nil {
		return ""
	}
	return *c.SolutionHints
}

type RubricCriterion struct {
	Name            string   `json:"name"`
	Weight          float64  `json:"weight"`
	Description     string   `json:"description"`
	PositiveSignals []string `json:"positive_signals"`
	NegativeSignals []string `json:"negative_signals"`
}

type Rubric struct {
	ID          string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ChallengeID *string           `gorm:"type:varchar(36);index" json:"challenge_id"`
	Criteria    []RubricCriterion `gorm:"type:text;serializer:json" json:"criteria"`
	TotalWeight float64           `gorm:"not null" json:"total_weight"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (r *Rubric) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if err := ValidateCriteria(r.Criteria); err != nil {
		return err
	}
	r.TotalWeight = TotalWeight(r.Criteria)
	return nil
}

// WeightOf returns the weight of the named criterion, zero when it is not in the rubric.
func (r *Rubric) WeightOf(name string) float64 {
	for _, c := range r.Criteria {
		if c.Name == name {
			return c.Weight
		}
	}
	return 0
}
