package observer

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"intoview/internal/config"
	"intoview/internal/llm"
	"intoview/internal/models"
	"intoview/internal/prompts"
	"intoview/internal/repositories"
	"intoview/internal/testhelpers"
)

type fixture struct {
	db          *gorm.DB
	session     *models.Session
	sessions    *repositories.SessionRepository
	events      *repositories.EventRepository
	insights    *repositories.InsightRepository
	checkpoints *repositories.CheckpointRepository
	provider    *testhelpers.FakeProvider
	observer    *Observer
}

func testObserverConfig() config.ObserverConfig {
	return config.ObserverConfig{
		Interval:        time.Hour,
		CycleTimeout:    5 * time.Second,
		HistoryWindow:   10,
		EventBatchSize:  200,
		EventCharLimit:  500,
		MaxOutputTokens: 1024,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	pm, err := prompts.NewPromptManager()
	require.NoError(t, err)

	f := &fixture{
		db:          db,
		session:     testhelpers.SeedSession(t, db, models.SessionActive),
		sessions:    &repositories.SessionRepository{DB: db},
		events:      &repositories.EventRepository{DB: db},
		insights:    &repositories.InsightRepository{DB: db},
		checkpoints: &repositories.CheckpointRepository{DB: db},
		provider:    &testhelpers.FakeProvider{},
	}
	f.observer = NewObserver(f.provider, pm, f.events, f.insights, testObserverConfig(), zap.NewNop())
	return f
}

func (f *fixture) input(state State) CycleInput {
	return CycleInput{
		Session:   f.session,
		Challenge: f.session.Challenge,
		Rubric:    f.session.Rubric,
		State:     state,
	}
}

func (f *fixture) appendEvent(t *testing.T, eventType models.EventType, raw string) *models.Event {
	t.Helper()
	e := models.NewEvent(f.session.ID, eventType, raw, nil)
	require.NoError(t, f.events.Append(context.Background(), e))
	return e
}

func (f *fixture) storedInsights(t *testing.T) []models.Insight {
	t.Helper()
	all, err := f.insights.ListBySession(context.Background(), f.session.ID)
	require.NoError(t, err)
	return all
}

func TestRunCycleWithoutEventsMakesNoCall(t *testing.T) {
	f := newFixture(t)
	f.provider.Reply = fence("insight", goodSignal)

	res, err := f.observer.RunCycle(context.Background(), f.input(State{Phase: models.PhaseReading}))
	require.NoError(t, err)
	assert.False(t, res.ModelCalled)
	assert.Zero(t, res.State.Cursor)
	assert.Empty(t, res.Insights)
	assert.Zero(t, f.provider.Calls())

	// events already behind the cursor do not count as new
	last := f.appendEvent(t, models.EventFileChange, `{"name":"src/cart.ts","type":"write"}`)
	res, err = f.observer.RunCycle(context.Background(), f.input(State{Cursor: last.ID}))
	require.NoError(t, err)
	assert.False(t, res.ModelCalled)
	assert.Equal(t, last.ID, res.State.Cursor)
	assert.Zero(t, f.provider.Calls())
	assert.Empty(t, f.storedInsights(t))
}

func TestRunCycleRedSignalAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	var last *models.Event
	for _, name := range []string{"src/cart.ts", "src/tax.ts", "src/cart.ts"} {
		last = f.appendEvent(t, models.EventFileChange, `{"name":"`+name+`","type":"write"}`)
	}
	f.provider.Reply = "The candidate is editing blindly.\n" + fence("insight",
		`{"insight_type":"signal","signal_type":"red","title":"Edits before reproducing",`+
			`"description":"Changed three files without running tests","rubric_criterion":"debugging","rubric_weight":20}`)

	res, err := f.observer.RunCycle(context.Background(), f.input(State{Phase: models.PhaseReading}))
	require.NoError(t, err)
	assert.True(t, res.ModelCalled)
	assert.Equal(t, 3, res.EventsConsumed)
	assert.Equal(t, last.ID, res.State.Cursor)
	require.Len(t, res.Insights, 1)

	stored := f.storedInsights(t)
	require.Len(t, stored, 1)
	assert.Equal(t, models.InsightSignal, stored[0].InsightType)
	require.NotNil(t, stored[0].RubricCriterion)
	assert.Equal(t, "debugging", *stored[0].RubricCriterion)

	content, err := stored[0].Payload()
	require.NoError(t, err)
	signal := content.(models.Signal)
	assert.Equal(t, "red", signal.SignalType)
	assert.Equal(t, float64(20), signal.RubricWeight)
}

func TestRunCyclePersistsOnlyWellFormedBlocks(t *testing.T) {
	f := newFixture(t)
	f.appendEvent(t, models.EventTerminalOutput, "$ npm test\r\nFAIL src/cart.test.ts")
	f.provider.Reply = fence("insight", goodSignal) +
		fence("insight", malformedBlocks[0]) +
		fence("json", goodQuestion) +
		fence("insight", malformedBlocks[2])

	res, err := f.observer.RunCycle(context.Background(), f.input(State{}))
	require.NoError(t, err)
	assert.Len(t, res.Insights, 2)
	assert.Equal(t, 2, res.Malformed)
	assert.Len(t, f.storedInsights(t), 2)
}

func TestRunCycleModelFailureYieldsNothing(t *testing.T) {
	f := newFixture(t)
	e := f.appendEvent(t, models.EventFileChange, `{"name":"a.ts","type":"create"}`)
	f.provider.Err = &llm.ProviderError{Provider: "fake", Code: llm.ErrCodeTimeout, Message: "deadline"}

	res, err := f.observer.RunCycle(context.Background(), f.input(State{}))
	require.NoError(t, err)
	assert.True(t, res.ModelCalled)
	assert.Empty(t, res.Insights)
	assert.Equal(t, e.ID, res.State.Cursor)
}

type countingEvents struct {
	calls int
}

func (c *countingEvents) ListAfter(context.Context, string, uint, int) ([]models.Event, error) {
	c.calls++
	return nil, nil
}

func TestRunCycleRejectsMissingSetup(t *testing.T) {
	f := newFixture(t)
	src := &countingEvents{}
	pm, err := prompts.NewPromptManager()
	require.NoError(t, err)
	obs := NewObserver(f.provider, pm, src, f.insights, testObserverConfig(), zap.NewNop())

	in := f.input(State{})
	in.Rubric = nil
	_, err = obs.RunCycle(context.Background(), in)
	assert.ErrorIs(t, err, ErrMissingRubric)

	in = f.input(State{})
	in.Challenge = nil
	_, err = obs.RunCycle(context.Background(), in)
	assert.ErrorIs(t, err, ErrMissingChallenge)

	assert.Zero(t, src.calls)
}

type failingEvents struct{}

func (failingEvents) ListAfter(context.Context, string, uint, int) ([]models.Event, error) {
	return nil, errors.New("connection refused")
}

func TestRunCycleStoreFailureKeepsCursor(t *testing.T) {
	f := newFixture(t)
	pm, err := prompts.NewPromptManager()
	require.NoError(t, err)
	obs := NewObserver(f.provider, pm, failingEvents{}, f.insights, testObserverConfig(), zap.NewNop())

	_, err = obs.RunCycle(context.Background(), f.input(State{Cursor: 7}))
	assert.Error(t, err)
	assert.Zero(t, f.provider.Calls())
}

func TestRunCyclePhaseChange(t *testing.T) {
	f := newFixture(t)
	f.appendEvent(t, models.EventTerminalOutput, "$ npx jest")
	f.provider.Reply = fence("insight", `{"insight_type":"phase_change","to_phase":"testing","trigger":"ran jest"}`)

	entered := time.Now().UTC().Add(-2 * time.Minute)
	res, err := f.observer.RunCycle(context.Background(), f.input(State{Phase: models.PhaseDebugging, PhaseStartedAt: entered}))
	require.NoError(t, err)
	assert.Equal(t, models.PhaseTesting, res.State.Phase)
	assert.True(t, res.State.PhaseStartedAt.After(entered))

	require.Len(t, res.Insights, 1)
	content, err := res.Insights[0].Payload()
	require.NoError(t, err)
	pc := content.(models.PhaseChange)
	assert.Equal(t, models.PhaseDebugging, pc.FromPhase)
	assert.GreaterOrEqual(t, pc.TimeInPreviousPhaseSeconds, 119)
}

func TestRunCycleFillsCriterionWeight(t *testing.T) {
	f := newFixture(t)
	f.appendEvent(t, models.EventClaudeCode, "prompt: fix the cart total")
	f.provider.Reply = fence("insight", `{"insight_type":"copilot_question","question":"What did you ask the assistant?","rubric_criterion":"ai_collaboration"}`)

	res, err := f.observer.RunCycle(context.Background(), f.input(State{}))
	require.NoError(t, err)
	require.Len(t, res.Insights, 1)

	var q models.CopilotQuestion
	require.NoError(t, json.Unmarshal(res.Insights[0].Content, &q))
	assert.Equal(t, float64(40), q.RubricWeight)
}

func TestRunCyclePromptCarriesContext(t *testing.T) {
	f := newFixture(t)
	f.appendEvent(t, models.EventTerminalOutput, "\x1b[31mFAIL\x1b[0m total is 0")
	f.appendEvent(t, models.EventFileChange, `{"name":"src/cart.ts","type":"write"}`)

	prior, err := models.NewInsight(f.session.ID, models.ReasoningUpdate{Summary: "Reading cart.ts top to bottom"})
	require.NoError(t, err)

	_, err = f.observer.RunCycle(context.Background(), f.input(State{Phase: models.PhaseReading, History: []models.Insight{*prior}}))
	require.NoError(t, err)
	require.Equal(t, 1, f.provider.Calls())

	p := f.provider.Prompts()[0]
	assert.Contains(t, p.System, "silent technical interview observer")
	assert.Contains(t, p.User, "The cart total is wrong")
	assert.Contains(t, p.User, "off by one in total loop (src/cart.ts)")
	assert.Contains(t, p.User, "check the loop bound")
	assert.Contains(t, p.User, "debugging (weight 60)")
	assert.Contains(t, p.User, "[reasoning_update] Reading cart.ts top to bottom")
	assert.Contains(t, p.User, "terminal_output: FAIL total is 0")
	assert.Regexp(t, regexp.MustCompile(`\[\+05:0\d\] file_change`), p.User)
}

func TestRunCycleHistoryWindow(t *testing.T) {
	f := newFixture(t)
	f.appendEvent(t, models.EventFileChange, `{"name":"a.ts","type":"write"}`)
	f.provider.Reply = fence("insight", goodSignal) + fence("insight", goodQuestion)

	var prior []models.Insight
	for i := 0; i < 10; i++ {
		ins, err := models.NewInsight(f.session.ID, models.ReasoningUpdate{Summary: "older"})
		require.NoError(t, err)
		prior = append(prior, *ins)
	}

	res, err := f.observer.RunCycle(context.Background(), f.input(State{History: prior}))
	require.NoError(t, err)
	require.Len(t, res.State.History, 10)
	assert.Equal(t, models.InsightCopilotQuestion, res.State.History[0].InsightType)
	assert.Equal(t, models.InsightSignal, res.State.History[1].InsightType)
	assert.Equal(t, models.InsightReasoningUpdate, res.State.History[2].InsightType)
}

func TestMergeHistory(t *testing.T) {
	mk := func(id uint) models.Insight { return models.Insight{ID: id} }

	got := mergeHistory([]models.Insight{mk(4), mk(5)}, []models.Insight{mk(3), mk(2), mk(1)}, 4)
	ids := make([]uint, 0, len(got))
	for _, i := range got {
		ids = append(ids, i.ID)
	}
	assert.Equal(t, []uint{5, 4, 3, 2}, ids)
	assert.Nil(t, mergeHistory([]models.Insight{mk(1)}, nil, 0))
}
