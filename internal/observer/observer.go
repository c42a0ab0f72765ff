package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"intoview/internal/config"
	"intoview/internal/llm"
	"intoview/internal/metrics"
	"intoview/internal/models"
	"intoview/internal/prompts"
	"intoview/internal/utils"
)

var (
	ErrMissingChallenge = errors.New("session has no challenge")
	ErrMissingRubric    = errors.New("session has no rubric")
)

const historyTextLimit = 240

type EventSource interface {
	ListAfter(ctx context.Context, sessionID string, afterID uint, limit int) ([]models.Event, error)
}

type InsightStore interface {
	Append(ctx context.Context, insight *models.Insight) error
	Recent(ctx context.Context, sessionID string, limit int) ([]models.Insight, error)
	LatestOfType(ctx context.Context, sessionID string, insightType models.InsightType) (*models.Insight, error)
}

// State is what one cycle hands to the next.
type State struct {
	Cursor         uint
	Phase          models.Phase
	PhaseStartedAt time.Time
	// most recent first
	History []models.Insight
}

type CycleInput struct {
	Session   *models.Session
	Challenge *models.Challenge
	Rubric    *models.Rubric
	State     State
}

type CycleResult struct {
	Insights       []models.Insight
	Malformed      int
	EventsConsumed int
	ModelCalled    bool
	State          State
}

// Observer performs single observation passes. It holds no per-session state.
type Observer struct {
	provider llm.Provider
	prompts  *prompts.PromptManager
	events   EventSource
	insights InsightStore
	config   config.ObserverConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewObserver(provider llm.Provider, pm *prompts.PromptManager, events EventSource, insights InsightStore, cfg config.ObserverConfig, logger *zap.Logger) *Observer {
	return &Observer{
		provider: provider,
		prompts:  pm,
		events:   events,
		insights: insights,
		config:   cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunCycle turns the events after the cursor into insights. Model and parse failures leave
// the cycle with zero insights; only missing setup data and store read failures are
// returned as errors.
func (o *Observer) RunCycle(ctx context.Context, in CycleInput) (*CycleResult, error) {
	if in.Session == nil {
		return nil, errors.New("cycle input has no session")
	}
	if in.Challenge == nil {
		return nil, ErrMissingChallenge
	}
	if in.Rubric == nil {
		return nil, ErrMissingRubric
	}
	start := o.now()
	state := in.State
	if !state.Phase.Valid() {
		state.Phase = models.InitialPhase
	}
	result := &CycleResult{State: state}
	sessionID := in.Session.ID

	events, err := o.events.ListAfter(ctx, sessionID, state.Cursor, o.config.EventBatchSize)
	if err != nil {
		metrics.ObserveCycle(metrics.CycleFailed, 0)
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	if len(events) == 0 {
		metrics.ObserveCycle(metrics.CycleIdle, 0)
		return result, nil
	}
	result.EventsConsumed = len(events)
	// best effort: consumed events are not retried even when analysis fails
	for _, e := range events {
		if e.ID > result.State.Cursor {
			result.State.Cursor = e.ID
		}
	}

	system, user, err := o.buildPrompts(in, state, events)
	if err != nil {
		o.logger.Error("Failed to build observer prompt", zap.String("session_id", sessionID), zap.Error(err))
		metrics.ObserveCycle(metrics.CycleFailed, 0)
		return result, nil
	}

	result.ModelCalled = true
	resp, err := o.provider.Generate(ctx, system, user, o.config.MaxOutputTokens)
	if err != nil {
		o.logger.Warn("Observer model call failed",
			zap.String("session_id", sessionID),
			zap.String("provider", o.provider.GetProviderName()),
			zap.String("code", llm.ErrorCode(err)),
			zap.Error(err))
		metrics.ObserveCycle(metrics.CycleFailed, o.now().Sub(start))
		return result, nil
	}

	parsed := ParseInsights(resp.Text)
	result.Malformed = parsed.Malformed
	metrics.AddMalformed(parsed.Malformed)
	if parsed.Malformed > 0 {
		o.logger.Warn("Skipped malformed insight blocks",
			zap.String("session_id", sessionID),
			zap.Int("malformed", parsed.Malformed),
			zap.Errors("errors", parsed.Errors))
	}

	for _, content := range parsed.Contents {
		content = o.enrich(content, in.Rubric, &result.State)
		insight, err := models.NewInsight(sessionID, content)
		if err != nil {
			o.logger.Warn("Failed to encode insight", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if err := o.insights.Append(ctx, insight); err != nil {
			o.logger.Error("Failed to persist insight",
				zap.String("session_id", sessionID),
				zap.String("insight_type", string(insight.InsightType)),
				zap.Error(err))
			continue
		}
		metrics.AddInsight(string(insight.InsightType))
		result.Insights = append(result.Insights, *insight)
	}

	result.State.History = mergeHistory(result.Insights, state.History, o.config.HistoryWindow)
	metrics.ObserveCycle(metrics.CycleAnalyzed, o.now().Sub(start))
	o.logger.Info("Observer cycle complete",
		zap.String("session_id", sessionID),
		zap.Int("events", len(events)),
		zap.Int("insights", len(result.Insights)),
		zap.Uint("cursor", result.State.Cursor),
		zap.String("phase", string(result.State.Phase)))
	return result, nil
}

// enrich fills the fields the model is not trusted with and advances the phase.
func (o *Observer) enrich(content models.InsightContent, rubric *models.Rubric, state *State) models.InsightContent {
	switch v := content.(type) {
	case models.PhaseChange:
		now := o.now()
		v.FromPhase = state.Phase
		if !state.PhaseStartedAt.IsZero() && now.After(state.PhaseStartedAt) {
			v.TimeInPreviousPhaseSeconds = int(now.Sub(state.PhaseStartedAt) / time.Second)
		}
		if v.ToPhase != state.Phase {
			state.Phase = v.ToPhase
			state.PhaseStartedAt = now
		}
		return v
	case models.Signal:
		if v.RubricWeight == 0 && v.RubricCriterion != "" {
			v.RubricWeight = rubric.WeightOf(v.RubricCriterion)
		}
		return v
	case models.CopilotQuestion:
		if v.RubricWeight == 0 && v.RubricCriterion != "" {
			v.RubricWeight = rubric.WeightOf(v.RubricCriterion)
		}
		return v
	}
	return content
}

func (o *Observer) buildPrompts(in CycleInput, state State, events []models.Event) (string, string, error) {
	now := o.now()
	data := prompts.ObserverData{
		Description:   in.Challenge.Description,
		ExpectedBugs:  in.Challenge.ExpectedBugs,
		SolutionHints: in.Challenge.Hints(),
		Criteria:      in.Rubric.Criteria,
		Phase:         state.Phase,
		Elapsed:       utils.FormatOffset(in.Session.Elapsed(now)),
		History:       prompts.InsightLines(state.History, historyTextLimit),
		Events:        prompts.EventLines(in.Session, events, o.config.EventCharLimit),
	}
	system, err := o.prompts.BuildPrompt(prompts.ModeObserver, prompts.VariantSystem, data)
	if err != nil {
		return "", "", err
	}
	user, err := o.prompts.BuildPrompt(prompts.ModeObserver, prompts.VariantUser, data)
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}

// mergeHistory puts fresh insights, newest first, ahead of the prior window and truncates.
func mergeHistory(fresh, prior []models.Insight, window int) []models.Insight {
	if window <= 0 {
		return nil
	}
	merged := make([]models.Insight, 0, len(fresh)+len(prior))
	for i := len(fresh) - 1; i >= 0; i-- {
		merged = append(merged, fresh[i])
	}
	merged = append(merged, prior...)
	if len(merged) > window {
		merged = merged[:window]
	}
	return merged
}
