package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type InsightType string

const (
	InsightReasoningUpdate InsightType = "reasoning_update"
	InsightSignal          InsightType = "signal"
	InsightCopilotQuestion InsightType = "copilot_question"
	InsightPhaseChange     InsightType = "phase_change"
	InsightSummary         InsightType = "summary"
)

type Phase string

const (
	PhaseReading   Phase = "reading"
	PhaseDebugging Phase = "debugging"
	PhaseWriting   Phase = "writing"
	PhaseTesting   Phase = "testing"
	PhaseUsingAI   Phase = "using_ai"
)

const InitialPhase = PhaseReading

var validPhases = map[Phase]bool{
	PhaseReading:   true,
	PhaseDebugging: true,
	PhaseWriting:   true,
	PhaseTesting:   true,
	PhaseUsingAI:   true,
}

func (p Phase) Valid() bool {
	return validPhases[p]
}

type HiringSignal string

const (
	HiringStrongYes HiringSignal = "strong_yes"
	HiringYes       HiringSignal = "yes"
	HiringLeanYes   HiringSignal = "lean_yes"
	HiringLeanNo    HiringSignal = "lean_no"
	HiringNo        HiringSignal = "no"
	HiringStrongNo  HiringSignal = "strong_no"
	HiringUnknown   HiringSignal = "unknown"
)

var validHiringSignals = map[HiringSignal]bool{
	HiringStrongYes: true,
	HiringYes:       true,
	HiringLeanYes:   true,
	HiringLeanNo:    true,
	HiringNo:        true,
	HiringStrongNo:  true,
	HiringUnknown:   true,
}

func (h HiringSignal) Valid() bool {
	return validHiringSignals[h]
}

// Insight is an append-only observer or summarizer judgment. Content holds the JSON
// encoding of one InsightContent variant selected by InsightType.
type Insight struct {
	ID              uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID       string          `gorm:"type:varchar(36);not null;index:idx_insights_session_ts,priority:1" json:"session_id"`
	Timestamp       time.Time       `gorm:"not null;index:idx_insights_session_ts,priority:2" json:"timestamp"`
	InsightType     InsightType     `gorm:"type:varchar(32);not null;index" json:"insight_type"`
	Content         json.RawMessage `gorm:"type:text;serializer:json" json:"content"`
	RubricCriterion *string         `json:"rubric_criterion"`
}

// InsightContent is implemented by every insight payload variant.
type InsightContent interface {
	InsightType() InsightType
	Criterion() string
}

type RubricRelevance struct {
	Criterion  string `json:"criterion"`
	Assessment string `json:"assessment"`
}

type ReasoningUpdate struct {
	Summary           string           `json:"summary"`
	CurrentHypothesis string           `json:"current_hypothesis,omitempty"`
	ApproachQuality   string           `json:"approach_quality,omitempty"`
	AIUsagePattern    string           `json:"ai_usage_pattern,omitempty"`
	Phase             Phase            `json:"phase,omitempty"`
	RubricRelevance   *RubricRelevance `json:"rubric_relevance,omitempty"`
}

func (ReasoningUpdate) InsightType() InsightType { return InsightReasoningUpdate }

func (r ReasoningUpdate) Criterion() string {
	if r.RubricRelevance == nil {
		return ""
	}
	return r.RubricRelevance.Criterion
}

type Signal struct {
	SignalType      string  `json:"signal_type"`
	Category        string  `json:"category,omitempty"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Evidence        string  `json:"evidence,omitempty"`
	RubricCriterion string  `json:"rubric_criterion,omitempty"`
	RubricWeight    float64 `json:"rubric_weight,omitempty"`
}

func (Signal) InsightType() InsightType { return InsightSignal }
func (s Signal) Criterion() string     { return s.RubricCriterion }

type CopilotQuestion struct {
	Question        string  `json:"question"`
	Context         string  `json:"context,omitempty"`
	Priority        string  `json:"priority,omitempty"`
	RubricCriterion string  `json:"rubric_criterion,omitempty"`
	RubricWeight    float64 `json:"rubric_weight,omitempty"`
}

func (CopilotQuestion) InsightType() InsightType { return InsightCopilotQuestion }
func (q CopilotQuestion) Criterion() string     { return q.RubricCriterion }

type PhaseChange struct {
	FromPhase                  Phase  `json:"from_phase"`
	ToPhase                    Phase  `json:"to_phase"`
	Trigger                    string `json:"trigger,omitempty"`
	TimeInPreviousPhaseSeconds int    `json:"time_in_previous_phase_seconds"`
}

func (PhaseChange) InsightType() InsightType { return InsightPhaseChange }
func (PhaseChange) Criterion() string        { return "" }

type RubricScore struct {
	Criterion string  `json:"criterion"`
	Weight    float64 `json:"weight"`
	Score     float64 `json:"score"`
	Notes     string  `json:"notes"`
}

type AIUsageSummary struct {
	TotalPrompts      int     `json:"total_prompts"`
	IndependenceScore float64 `json:"independence_score"`
	Pattern           string  `json:"pattern"`
}

type Summary struct {
	OverallScore         float64        `json:"overall_score"`
	RubricScores         []RubricScore  `json:"rubric_scores"`
	Strengths            []string       `json:"strengths"`
	Concerns             []string       `json:"concerns"`
	AIUsageSummary       AIUsageSummary `json:"ai_usage_summary"`
	BugsFound            []string       `json:"bugs_found"`
	BugsMissed           []string       `json:"bugs_missed"`
	RecommendedFollowUps []string       `json:"recommended_follow_ups"`
	HiringSignal         HiringSignal   `json:"hiring_signal"`
	OneLineSummary       string         `json:"one_line_summary"`

	// set on fallback output only
	Degraded        bool   `json:"degraded,omitempty"`
	GenerationError string `json:"generation_error,omitempty"`
}

func (Summary) InsightType() InsightType { return InsightSummary }
func (Summary) Criterion() string        { return "" }

// NewInsight encodes content into a row ready for insertion.
func NewInsight(sessionID string, content InsightContent) (*Insight, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode %s insight: %w", content.InsightType(), err)
	}
	insight := &Insight{
		SessionID:   sessionID,
		Timestamp:   time.Now().UTC(),
		InsightType: content.InsightType(),
		Content:     raw,
	}
	if c := strings.TrimSpace(content.Criterion()); c != "" {
		insight.RubricCriterion = &c
	}
	return insight, nil
}

// Payload decodes Content into the variant matching InsightType.
func (i *Insight) Payload() (InsightContent, error) {
	return DecodeInsightContent(i.InsightType, i.Content)
}

func DecodeInsightContent(t InsightType, raw []byte) (InsightContent, error) {
	var (
		content InsightContent
		err     error
	)
	switch t {
	case InsightReasoningUpdate:
		var v ReasoningUpdate
		err = json.Unmarshal(raw, &v)
		content = v
	case InsightSignal:
		var v Signal
		err = json.Unmarshal(raw, &v)
		content = v
	case InsightCopilotQuestion:
		var v CopilotQuestion
		err = json.Unmarshal(raw, &v)
		content = v
	case InsightPhaseChange:
		var v PhaseChange
		err = json.Unmarshal(raw, &v)
		content = v
	case InsightSummary:
		var v Summary
		err = json.Unmarshal(raw, &v)
		content = v
	default:
		return nil, fmt.Errorf("unknown insight type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s insight: %w", t, err)
	}
	return content, nil
}

var validSignalTypes = map[string]bool{"green": true, "yellow": true, "red": true}

// ValidateContent rejects payloads missing the fields a dashboard needs to render them.
func ValidateContent(c InsightContent) error {
	switch v := c.(type) {
	case ReasoningUpdate:
		if strings.TrimSpace(v.Summary) == "" {
			return fmt.Errorf("reasoning_update requires summary")
		}
		if v.Phase != "" && !v.Phase.Valid() {
			return fmt.Errorf("reasoning_update has unknown phase %q", v.Phase)
		}
	case Signal:
		if !validSignalTypes[v.SignalType] {
			return fmt.Errorf("signal has unknown signal_type %q", v.SignalType)
		}
		if strings.TrimSpace(v.Title) == "" && strings.TrimSpace(v.Description) == "" {
			return fmt.Errorf("signal requires title or description")
		}
	case CopilotQuestion:
		if strings.TrimSpace(v.Question) == "" {
			return fmt.Errorf("copilot_question requires question")
		}
	case PhaseChange:
		if !v.ToPhase.Valid() {
			return fmt.Errorf("phase_change has unknown to_phase %q", v.ToPhase)
		}
	case Summary:
	default:
		return fmt.Errorf("unsupported insight content %T", c)
	}
	return nil
}
