package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"intoview/internal/config"
	"intoview/internal/llm"
	"intoview/internal/metrics"
	"intoview/internal/models"
	"intoview/internal/prompts"
	"intoview/internal/utils"
)

const (
	FallbackOneLine = "Summary generation encountered an error"

	eventCharLimit   = 300
	insightCharLimit = 400
)

// Input is everything one summary is computed from.
type Input struct {
	Session   *models.Session
	Challenge *models.Challenge
	Rubric    *models.Rubric
	Events    []models.Event
	Insights  []models.Insight
	Duration  time.Duration
}

type Summarizer struct {
	provider llm.Provider
	prompts  *prompts.PromptManager
	config   config.SummaryConfig
	logger   *zap.Logger
}

func NewSummarizer(provider llm.Provider, pm *prompts.PromptManager, cfg config.SummaryConfig, logger *zap.Logger) *Summarizer {
	return &Summarizer{
		provider: provider,
		prompts:  pm,
		config:   cfg,
		logger:   logger,
	}
}

// Summarize always returns a well formed summary. Any failure yields Fallback, marked
// degraded, so a completed session is never left without one.
func (s *Summarizer) Summarize(ctx context.Context, in Input) models.Summary {
	sessionID := ""
	if in.Session != nil {
		sessionID = in.Session.ID
	}
	summary, err := s.generate(ctx, in)
	if err != nil {
		s.logger.Error("Summary generation failed, using fallback",
			zap.String("session_id", sessionID),
			zap.String("code", llm.ErrorCode(err)),
			zap.Error(err))
		metrics.AddSummary(true)
		return Fallback(err)
	}
	metrics.AddSummary(false)
	s.logger.Info("Summary generated",
		zap.String("session_id", sessionID),
		zap.Float64("overall_score", summary.OverallScore),
		zap.String("hiring_signal", string(summary.HiringSignal)))
	return summary
}

func (s *Summarizer) generate(ctx context.Context, in Input) (models.Summary, error) {
	if in.Session == nil {
		return models.Summary{}, errors.New("summary input has no session")
	}
	system, user, err := s.buildPrompts(in)
	if err != nil {
		return models.Summary{}, fmt.Errorf("build prompt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	resp, err := s.provider.Generate(ctx, system, user, s.config.MaxOutputTokens)
	if err != nil {
		return models.Summary{}, err
	}
	return Parse(resp.Text, in.Rubric)
}

func (s *Summarizer) buildPrompts(in Input) (string, string, error) {
	data := prompts.SummaryData{
		Duration: in.Duration.Round(time.Second).String(),
		Insights: prompts.InsightLines(withoutSummaries(in.Insights), insightCharLimit),
	}
	if in.Challenge != nil {
		data.Description = in.Challenge.Description
		data.ExpectedBugs = in.Challenge.ExpectedBugs
	}
	if in.Rubric != nil {
		data.Criteria = in.Rubric.Criteria
	}
	events, omitted := condense(in.Events, s.config.MaxEvents)
	data.Events = prompts.EventLines(in.Session, events, eventCharLimit)
	data.OmittedEvents = omitted

	system, err := s.prompts.BuildPrompt(prompts.ModeSummary, prompts.VariantSystem, data)
	if err != nil {
		return "", "", err
	}
	user, err := s.prompts.BuildPrompt(prompts.ModeSummary, prompts.VariantUser, data)
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}

// condense keeps the newest limit events; the tail of a session carries the outcome.
func condense(events []models.Event, limit int) ([]models.Event, int) {
	if limit <= 0 || len(events) <= limit {
		return events, 0
	}
	return events[len(events)-limit:], len(events) - limit
}

func withoutSummaries(insights []models.Insight) []models.Insight {
	out := make([]models.Insight, 0, len(insights))
	for _, i := range insights {
		if i.InsightType != models.InsightSummary {
			out = append(out, i)
		}
	}
	return out
}

// Parse strictly decodes model output, optionally fenced, and normalises it.
func Parse(text string, rubric *models.Rubric) (models.Summary, error) {
	cleaned := utils.StripFences(text)
	if cleaned == "" {
		return models.Summary{}, errors.New("empty summary response")
	}
	var summary models.Summary
	if err := json.Unmarshal([]byte(cleaned), &summary); err != nil {
		return models.Summary{}, fmt.Errorf("parse summary json: %w", err)
	}
	return Normalize(summary, rubric), nil
}

// Normalize clamps scores, fills empty lists and maps unknown hiring signals to unknown.
func Normalize(s models.Summary, rubric *models.Rubric) models.Summary {
	s.OverallScore = clampScore(s.OverallScore)
	s.AIUsageSummary.IndependenceScore = clampScore(s.AIUsageSummary.IndependenceScore)
	if s.AIUsageSummary.TotalPrompts < 0 {
		s.AIUsageSummary.TotalPrompts = 0
	}
	if s.RubricScores == nil {
		s.RubricScores = []models.RubricScore{}
	}
	for i := range s.RubricScores {
		rs := &s.RubricScores[i]
		rs.Score = clampScore(rs.Score)
		if rs.Weight == 0 && rubric != nil {
			rs.Weight = rubric.WeightOf(rs.Criterion)
		}
	}
	s.Strengths = nonNil(s.Strengths)
	s.Concerns = nonNil(s.Concerns)
	s.BugsFound = nonNil(s.BugsFound)
	s.BugsMissed = nonNil(s.BugsMissed)
	s.RecommendedFollowUps = nonNil(s.RecommendedFollowUps)

	signal := models.HiringSignal(strings.ToLower(strings.TrimSpace(string(s.HiringSignal))))
	if !signal.Valid() {
		signal = models.HiringUnknown
	}
	s.HiringSignal = signal
	s.OneLineSummary = strings.TrimSpace(s.OneLineSummary)
	return s
}

// Fallback is the degraded summary stored when generation fails.
func Fallback(cause error) models.Summary {
	s := models.Summary{
		OverallScore:         0,
		RubricScores:         []models.RubricScore{},
		Strengths:            []string{},
		Concerns:             []string{},
		BugsFound:            []string{},
		BugsMissed:           []string{},
		RecommendedFollowUps: []string{},
		HiringSignal:         models.HiringUnknown,
		OneLineSummary:       FallbackOneLine,
		Degraded:             true,
	}
	if cause != nil {
		s.GenerationError = cause.Error()
	}
	return s
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
