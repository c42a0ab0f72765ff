package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"intoview/internal/config"
	"intoview/internal/metrics"
	"intoview/internal/models"
	"intoview/internal/repositories"
)

type SessionLoader interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

type CheckpointStore interface {
	Get(ctx context.Context, sessionID string) (*models.ObserverCheckpoint, error)
	Save(ctx context.Context, cp *models.ObserverCheckpoint) error
}

// Task is the handle of one running observer loop. Cycles of a task never overlap.
type Task struct {
	SessionID string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	// mu is held for a whole cycle; cycles is read without it.
	mu     sync.Mutex
	input  CycleInput
	cycles atomic.Int64
}

// Done is closed once the loop goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Cycles() int {
	return int(t.cycles.Load())
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.input.State
}

// Supervisor owns the observer loops running in this process, at most one per session.
// Loops on other instances are not visible here; duplicates across instances only cost
// duplicate insights.
type Supervisor struct {
	observer    *Observer
	sessions    SessionLoader
	insights    InsightStore
	checkpoints CheckpointStore
	config      config.ObserverConfig
	logger      *zap.Logger

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

func NewSupervisor(observer *Observer, sessions SessionLoader, insights InsightStore, checkpoints CheckpointStore, cfg config.ObserverConfig, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		observer:    observer,
		sessions:    sessions,
		insights:    insights,
		checkpoints: checkpoints,
		config:      cfg,
		logger:      logger,
		tasks:       make(map[string]*Task),
	}
}

// Start begins the loop for a session unless one is already running here. The bool
// reports whether a new loop was started. Load failures are logged and return nil, false.
func (s *Supervisor) Start(ctx context.Context, sessionID string) (*Task, bool) {
	if t, ok := s.task(sessionID); ok {
		return t, false
	}

	input, err := s.load(ctx, sessionID)
	if err != nil {
		s.logger.Error("Observer not started", zap.String("session_id", sessionID), zap.Error(err))
		return nil, false
	}
	if input.Session.Status == models.SessionCompleted {
		s.logger.Info("Observer not started for completed session", zap.String("session_id", sessionID))
		return nil, false
	}

	s.mu.Lock()
	if existing, ok := s.tasks[sessionID]; ok {
		s.mu.Unlock()
		return existing, false
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Task{
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
		input:     *input,
	}
	s.tasks[sessionID] = t
	running := len(s.tasks)
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.SetObserversRunning(running)
	go s.run(loopCtx, t)

	s.logger.Info("Observer started",
		zap.String("session_id", sessionID),
		zap.Uint("cursor", input.State.Cursor),
		zap.String("phase", string(input.State.Phase)),
		zap.Duration("interval", s.config.Interval))
	return t, true
}

// Stop cancels future cycles of the session's loop. A cycle already running completes.
func (s *Supervisor) Stop(sessionID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[sessionID]
	delete(s.tasks, sessionID)
	running := len(s.tasks)
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	metrics.SetObserversRunning(running)
	s.logger.Info("Observer stopped", zap.String("session_id", sessionID), zap.Int("cycles", t.Cycles()))
	return true
}

// RunNow forces one pass. It shares the running loop's lock when there is one, otherwise
// it runs from reconstructed state and checkpoints the result.
func (s *Supervisor) RunNow(ctx context.Context, sessionID string) (*CycleResult, error) {
	if t, ok := s.task(sessionID); ok {
		return s.cycle(ctx, t)
	}
	input, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CycleTimeout)
	defer cancel()
	res, err := s.observer.RunCycle(cycleCtx, *input)
	if err != nil {
		return nil, err
	}
	s.checkpoint(cycleCtx, sessionID, input.State, res.State)
	return res, nil
}

func (s *Supervisor) IsRunning(sessionID string) bool {
	_, ok := s.task(sessionID)
	return ok
}

// Running lists the session ids with a loop in this process.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every loop and waits for the goroutines, including in-flight cycles.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*Task)
	s.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
	}
	s.wg.Wait()
	metrics.SetObserversRunning(0)
}

func (s *Supervisor) task(sessionID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[sessionID]
	return t, ok
}

func (s *Supervisor) run(ctx context.Context, t *Task) {
	defer s.wg.Done()
	defer close(t.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.cycle(ctx, t); err != nil {
				s.logger.Warn("Observer cycle failed", zap.String("session_id", t.SessionID), zap.Error(err))
			}
		}
	}
}

// cycle runs on a context detached from ctx's cancellation so a stop never aborts a cycle
// halfway; CycleTimeout bounds it instead.
func (s *Supervisor) cycle(ctx context.Context, t *Task) (*CycleResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CycleTimeout)
	defer cancel()

	t.cycles.Add(1)
	prev := t.input.State
	res, err := s.observer.RunCycle(cycleCtx, t.input)
	if err != nil {
		return nil, err
	}
	t.input.State = res.State
	s.checkpoint(cycleCtx, t.SessionID, prev, res.State)
	return res, nil
}

func (s *Supervisor) checkpoint(ctx context.Context, sessionID string, prev, next State) {
	if prev.Cursor == next.Cursor && prev.Phase == next.Phase {
		return
	}
	err := s.checkpoints.Save(ctx, &models.ObserverCheckpoint{
		SessionID:      sessionID,
		LastEventID:    next.Cursor,
		Phase:          next.Phase,
		PhaseStartedAt: next.PhaseStartedAt,
	})
	if err != nil {
		s.logger.Warn("Failed to save observer checkpoint", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Supervisor) load(ctx context.Context, sessionID string) (*CycleInput, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session.Challenge == nil {
		return nil, ErrMissingChallenge
	}
	if session.Rubric == nil {
		return nil, ErrMissingRubric
	}
	state, err := s.Reconstruct(ctx, session)
	if err != nil {
		return nil, err
	}
	return &CycleInput{
		Session:   session,
		Challenge: session.Challenge,
		Rubric:    session.Rubric,
		State:     state,
	}, nil
}

// Reconstruct rebuilds loop state from the store: the checkpoint when present, otherwise
// cursor zero and the phase of the newest phase_change insight.
func (s *Supervisor) Reconstruct(ctx context.Context, session *models.Session) (State, error) {
	state := State{Phase: models.InitialPhase}
	if session.StartedAt != nil {
		state.PhaseStartedAt = *session.StartedAt
	}

	cp, err := s.checkpoints.Get(ctx, session.ID)
	switch {
	case err == nil:
		state.Cursor = cp.LastEventID
		if cp.Phase.Valid() {
			state.Phase = cp.Phase
		}
		if !cp.PhaseStartedAt.IsZero() {
			state.PhaseStartedAt = cp.PhaseStartedAt
		}
	case errors.Is(err, repositories.ErrNotFound):
		latest, err := s.insights.LatestOfType(ctx, session.ID, models.InsightPhaseChange)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return State{}, fmt.Errorf("load phase: %w", err)
		}
		if latest != nil {
			if content, err := latest.Payload(); err == nil {
				if pc, ok := content.(models.PhaseChange); ok && pc.ToPhase.Valid() {
					state.Phase = pc.ToPhase
					state.PhaseStartedAt = latest.Timestamp
				}
			}
		}
	default:
		return State{}, fmt.Errorf("load checkpoint: %w", err)
	}

	history, err := s.insights.Recent(ctx, session.ID, s.config.HistoryWindow)
	if err != nil {
		return State{}, fmt.Errorf("load history: %w", err)
	}
	state.History = history
	return state, nil
}
