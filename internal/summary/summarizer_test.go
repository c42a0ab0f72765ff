package summary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"intoview/internal/config"
	"intoview/internal/models"
	"intoview/internal/prompts"
	"intoview/internal/repositories"
	"intoview/internal/testhelpers"
)

func newSummarizer(t *testing.T, provider *testhelpers.FakeProvider, timeout time.Duration) *Summarizer {
	t.Helper()
	pm, err := prompts.NewPromptManager()
	require.NoError(t, err)
	cfg := config.SummaryConfig{Timeout: timeout, MaxEvents: 300, MaxOutputTokens: 2048}
	return NewSummarizer(provider, pm, cfg, zap.NewNop())
}

func seededInput(t *testing.T) (Input, *repositories.InsightRepository) {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	session := testhelpers.SeedSession(t, db, models.SessionActive)
	return Input{
		Session:   session,
		Challenge: session.Challenge,
		Rubric:    session.Rubric,
		Events: []models.Event{
			*models.NewEvent(session.ID, models.EventFileChange, `{"name":"src/cart.ts","type":"write"}`, nil),
		},
		Duration: 12 * time.Minute,
	}, &repositories.InsightRepository{DB: db}
}

const validSummary = "```json\n" + `{
  "overall_score": 78,
  "rubric_scores": [{"criterion": "debugging", "score": 80, "notes": "found the loop bug"},
                    {"criterion": "ai_collaboration", "weight": 40, "score": 140}],
  "strengths": ["Reproduced before fixing"],
  "ai_usage_summary": {"total_prompts": 3, "independence_score": 70, "pattern": "verifies output"},
  "bugs_found": ["off by one in total loop"],
  "hiring_signal": "Lean_Yes",
  "one_line_summary": "  Methodical debugger.  "
}` + "\n```"

func TestSummarizeParsesAndNormalizes(t *testing.T) {
	provider := &testhelpers.FakeProvider{Reply: validSummary}
	in, _ := seededInput(t)

	got := newSummarizer(t, provider, time.Second).Summarize(context.Background(), in)

	assert.False(t, got.Degraded)
	assert.Equal(t, float64(78), got.OverallScore)
	assert.Equal(t, models.HiringLeanYes, got.HiringSignal)
	assert.Equal(t, "Methodical debugger.", got.OneLineSummary)
	require.Len(t, got.RubricScores, 2)
	assert.Equal(t, float64(60), got.RubricScores[0].Weight)
	assert.Equal(t, float64(100), got.RubricScores[1].Score)
	assert.NotNil(t, got.Concerns)
	assert.NotNil(t, got.BugsMissed)
	assert.NotNil(t, got.RecommendedFollowUps)

	p := provider.Prompts()[0]
	assert.Contains(t, p.User, "12m0s")
	assert.Contains(t, p.User, "file_change")
	assert.Contains(t, p.User, "debugging (weight 60)")
}

// A model call that times out still produces a stored, clearly degraded summary.
func TestSummarizeTimeoutFallsBack(t *testing.T) {
	provider := &testhelpers.FakeProvider{Reply: validSummary, Block: make(chan struct{})}
	in, insights := seededInput(t)

	got := newSummarizer(t, provider, 20*time.Millisecond).Summarize(context.Background(), in)

	assert.True(t, got.Degraded)
	assert.Equal(t, float64(0), got.OverallScore)
	assert.Equal(t, models.HiringUnknown, got.HiringSignal)
	assert.Equal(t, FallbackOneLine, got.OneLineSummary)
	assert.Contains(t, got.GenerationError, "deadline exceeded")

	row, err := models.NewInsight(in.Session.ID, got)
	require.NoError(t, err)
	require.NoError(t, insights.Append(context.Background(), row))

	latest, err := insights.LatestSummary(context.Background(), in.Session.ID)
	require.NoError(t, err)
	content, err := latest.Payload()
	require.NoError(t, err)
	stored := content.(models.Summary)
	assert.Equal(t, models.HiringUnknown, stored.HiringSignal)
	assert.True(t, stored.Degraded)
}

func TestSummarizeUnparseableFallsBack(t *testing.T) {
	for name, reply := range map[string]string{
		"prose":     "The candidate did well overall.",
		"empty":     "",
		"truncated": "```json\n{\"overall_score\": 70, \"strengths\": [\n```",
	} {
		t.Run(name, func(t *testing.T) {
			provider := &testhelpers.FakeProvider{Reply: reply}
			in, _ := seededInput(t)
			got := newSummarizer(t, provider, time.Second).Summarize(context.Background(), in)
			assert.True(t, got.Degraded)
			assert.Equal(t, models.HiringUnknown, got.HiringSignal)
			assert.NotEmpty(t, got.GenerationError)
		})
	}
}

func TestSummarizeProviderErrorFallsBack(t *testing.T) {
	provider := &testhelpers.FakeProvider{Err: errors.New("503 service unavailable")}
	in, _ := seededInput(t)

	got := newSummarizer(t, provider, time.Second).Summarize(context.Background(), in)
	assert.True(t, got.Degraded)
	assert.Equal(t, "503 service unavailable", got.GenerationError)
}

func TestSummarizeIsRepeatable(t *testing.T) {
	provider := &testhelpers.FakeProvider{Reply: validSummary}
	in, _ := seededInput(t)
	s := newSummarizer(t, provider, time.Second)

	first := s.Summarize(context.Background(), in)
	second := s.Summarize(context.Background(), in)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, provider.Calls())
}

func TestNormalizeUnknownSignal(t *testing.T) {
	got := Normalize(models.Summary{HiringSignal: "maybe", OverallScore: -5}, nil)
	assert.Equal(t, models.HiringUnknown, got.HiringSignal)
	assert.Zero(t, got.OverallScore)
	assert.NotNil(t, got.RubricScores)
}

func TestCondenseKeepsTail(t *testing.T) {
	events := make([]models.Event, 10)
	for i := range events {
		events[i].ID = uint(i + 1)
	}
	kept, omitted := condense(events, 4)
	assert.Equal(t, 6, omitted)
	require.Len(t, kept, 4)
	assert.Equal(t, uint(7), kept[0].ID)

	kept, omitted = condense(events, 0)
	assert.Len(t, kept, 10)
	assert.Zero(t, omitted)
}

func TestCollectGathersHistory(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	session := testhelpers.SeedSession(t, db, models.SessionActive)
	events := &repositories.EventRepository{DB: db}
	insights := &repositories.InsightRepository{DB: db}
	ctx := context.Background()

	require.NoError(t, events.Append(ctx, models.NewEvent(session.ID, models.EventSessionStart, "started", nil)))
	ins, err := models.NewInsight(session.ID, models.ReasoningUpdate{Summary: "reading"})
	require.NoError(t, err)
	require.NoError(t, insights.Append(ctx, ins))

	c := &Collector{Events: events, Insights: insights}
	in, err := c.Collect(ctx, session, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, in.Events, 1)
	assert.Len(t, in.Insights, 1)
	assert.Same(t, session.Rubric, in.Rubric)
	assert.GreaterOrEqual(t, in.Duration, 5*time.Minute)
}
