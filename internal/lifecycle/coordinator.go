package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"intoview/internal/capture"
	"intoview/internal/models"
	"intoview/internal/observer"
	"intoview/internal/repositories"
	"intoview/internal/sandbox"
	"intoview/internal/summary"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionCompleted = errors.New("session already completed")
	ErrNoActiveSandbox  = errors.New("no active sandbox for session")
	ErrNoChallenge      = errors.New("no challenge associated with session")
)

const teardownTimeout = 15 * time.Second

type SessionStore interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	MarkStarted(ctx context.Context, id, sandboxID string, at time.Time) (bool, error)
	ReplaceSandboxID(ctx context.Context, id, oldID, newID string) (bool, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error)
}

type EventStore interface {
	Append(ctx context.Context, event *models.Event) error
	CountByType(ctx context.Context, sessionID string, eventType models.EventType) (int64, error)
}

type InsightStore interface {
	Append(ctx context.Context, insight *models.Insight) error
	LatestSummary(ctx context.Context, sessionID string) (*models.Insight, error)
}

type ObserverControl interface {
	Start(ctx context.Context, sessionID string) (*observer.Task, bool)
	Stop(sessionID string) bool
}

type Deps struct {
	Sessions   SessionStore
	Events     EventStore
	Insights   InsightStore
	Sandbox    sandbox.Provider
	Captures   *capture.Manager
	Observers  ObserverControl
	Summarizer *summary.Summarizer
	Collector  *summary.Collector
}

type Options struct {
	TestTimeout      time.Duration
	RequireTestsPass bool
}

// Coordinator drives a session through pending, active and completed. Every transition
// is safe to repeat and to race against itself on other instances.
type Coordinator struct {
	Deps
	options Options
	logger  *zap.Logger
	now     func() time.Time

	provisioning singleflight.Group
}

func NewCoordinator(deps Deps, options Options, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		Deps:    deps,
		options: options,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) load(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := c.Sessions.Get(ctx, sessionID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return session, nil
}

// Provision creates the sandbox and moves a pending session to active. An active session
// is returned as is, with capture reattached on this instance when needed.
func (c *Coordinator) Provision(ctx context.Context, sessionID string) (*models.ProvisionResponse, error) {
	v, err, _ := c.provisioning.Do(sessionID, func() (any, error) {
		return c.provision(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ProvisionResponse), nil
}

func (c *Coordinator) provision(ctx context.Context, sessionID string) (*models.ProvisionResponse, error) {
	session, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case models.SessionCompleted:
		return nil, ErrSessionCompleted
	case models.SessionActive:
		return c.resume(ctx, session), nil
	}
	if session.Challenge == nil {
		return nil, ErrNoChallenge
	}

	h, err := c.Sandbox.Create(ctx, session.Challenge.GeneratedFiles, readme(session.Challenge))
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	capt, err := c.Captures.Start(ctx, sessionID, h)
	if err != nil {
		c.kill(h)
		return nil, fmt.Errorf("start capture: %w", err)
	}

	won, err := c.Sessions.MarkStarted(ctx, sessionID, h.ID, c.now())
	if err != nil || !won {
		// another instance provisioned first, or the write failed; ours is surplus
		c.Captures.Invalidate(capt)
		c.kill(h)
		if err != nil {
			return nil, fmt.Errorf("mark started: %w", err)
		}
		current, err := c.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if current.Status == models.SessionCompleted {
			return nil, ErrSessionCompleted
		}
		return c.resume(ctx, current), nil
	}

	c.appendEvent(ctx, models.NewEvent(sessionID, models.EventSessionStart, "Interview session started", map[string]any{
		"sandbox_id": h.ID,
	}))
	c.Observers.Start(ctx, sessionID)

	c.logger.Info("Session started",
		zap.String("session_id", sessionID),
		zap.String("sandbox_id", h.ID),
		zap.Int("pty_pid", capt.PID()))
	return &models.ProvisionResponse{
		SessionID: sessionID,
		SandboxID: h.ID,
		Status:    models.SessionActive,
		PtyPID:    capt.PID(),
	}, nil
}

// resume reattaches capture and the observer for an already active session. A sandbox
// that no longer exists is replaced with a fresh one built from the challenge.
func (c *Coordinator) resume(ctx context.Context, session *models.Session) *models.ProvisionResponse {
	resp := &models.ProvisionResponse{SessionID: session.ID, Status: session.Status, Reused: true}
	if session.SandboxID != nil {
		resp.SandboxID = *session.SandboxID
		capt, err := c.Captures.GetOrReconnect(ctx, session.ID, *session.SandboxID)
		if errors.Is(err, sandbox.ErrNotFound) && session.Challenge != nil {
			capt, err = c.replaceSandbox(ctx, session)
		}
		if err != nil {
			c.logger.Warn("Failed to reattach capture", zap.String("session_id", session.ID), zap.Error(err))
		} else {
			resp.SandboxID = capt.Handle.ID
			resp.PtyPID = capt.PID()
		}
	}
	c.Observers.Start(ctx, session.ID)
	return resp
}

func (c *Coordinator) replaceSandbox(ctx context.Context, session *models.Session) (*capture.Capture, error) {
	oldID := *session.SandboxID
	h, err := c.Sandbox.Create(ctx, session.Challenge.GeneratedFiles, readme(session.Challenge))
	if err != nil {
		return nil, fmt.Errorf("create replacement sandbox: %w", err)
	}
	won, err := c.Sessions.ReplaceSandboxID(ctx, session.ID, oldID, h.ID)
	if err != nil || !won {
		c.kill(h)
		if err != nil {
			return nil, fmt.Errorf("record replacement sandbox: %w", err)
		}
		current, err := c.load(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != models.SessionActive || current.SandboxID == nil {
			return nil, ErrNoActiveSandbox
		}
		return c.Captures.GetOrReconnect(ctx, session.ID, *current.SandboxID)
	}
	capt, err := c.Captures.Start(ctx, session.ID, h)
	if err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}
	c.logger.Info("Sandbox replaced",
		zap.String("session_id", session.ID),
		zap.String("previous_sandbox_id", oldID),
		zap.String("sandbox_id", h.ID))
	return capt, nil
}

// End completes the session from the interviewer side. Only the call that wins the
// completion claim reports Ended; a losing call returns the existing summary, or writes one
// when none exists yet.
func (c *Coordinator) End(ctx context.Context, sessionID string) (*models.EndSessionResponse, error) {
	session, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.teardown(ctx, session)

	endedAt := c.now()
	won, err := c.Sessions.MarkCompleted(ctx, sessionID, endedAt)
	if err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	if won {
		session.Status = models.SessionCompleted
		session.EndedAt = &endedAt
	} else {
		existing, err := c.Insights.LatestSummary(ctx, sessionID)
		if err == nil {
			if content, err := existing.Payload(); err == nil {
				if s, ok := content.(models.Summary); ok {
					return &models.EndSessionResponse{SessionID: sessionID, Summary: s}, nil
				}
			}
		} else if !errors.Is(err, repositories.ErrNotFound) {
			c.logger.Warn("Failed to look up existing summary", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	result := c.summarize(ctx, session)
	if won {
		c.appendEvent(ctx, models.NewEvent(sessionID, models.EventSessionEnd, "Interview session ended", nil))
		c.logger.Info("Session completed",
			zap.String("session_id", sessionID),
			zap.Bool("summary_degraded", result.Degraded))
	}
	return &models.EndSessionResponse{SessionID: sessionID, Summary: result, Ended: won}, nil
}

// Summarize generates and stores a summary for a completed session. It is also the
// backfill path for sessions that completed without one.
func (c *Coordinator) Summarize(ctx context.Context, session *models.Session) models.Summary {
	return c.summarize(ctx, session)
}

func (c *Coordinator) summarize(ctx context.Context, session *models.Session) models.Summary {
	in, err := c.Collector.Collect(ctx, session, c.now())
	if err != nil {
		c.logger.Warn("Summarising with partial history", zap.String("session_id", session.ID), zap.Error(err))
	}
	result := c.Summarizer.Summarize(ctx, in)

	insight, err := models.NewInsight(session.ID, result)
	if err == nil {
		err = c.Insights.Append(context.WithoutCancel(ctx), insight)
	}
	if err != nil {
		c.logger.Error("Failed to store summary", zap.String("session_id", session.ID), zap.Error(err))
	}
	return result
}

// teardown stops local loops and kills the sandbox. Failures are logged only.
func (c *Coordinator) teardown(ctx context.Context, session *models.Session) {
	c.Observers.Stop(session.ID)

	var h *sandbox.Handle
	if capt, ok := c.Captures.Get(session.ID); ok {
		h = capt.Handle
	}
	c.Captures.Stop(session.ID)

	if h == nil && session.SandboxID != nil {
		reconnected, err := c.Sandbox.Reconnect(ctx, *session.SandboxID)
		switch {
		case err == nil:
			h = reconnected
		case errors.Is(err, sandbox.ErrNotFound):
			c.logger.Debug("Sandbox already gone", zap.String("session_id", session.ID))
		default:
			c.logger.Warn("Failed to reconnect sandbox for teardown", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	if h != nil {
		c.kill(h)
	}
}

func (c *Coordinator) kill(h *sandbox.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.Sandbox.Kill(ctx, h); err != nil {
		c.logger.Warn("Failed to kill sandbox", zap.String("sandbox_id", h.ID), zap.Error(err))
	}
}

func (c *Coordinator) appendEvent(ctx context.Context, event *models.Event) {
	if err := c.Events.Append(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Error("Failed to record lifecycle event",
			zap.String("session_id", event.SessionID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	}
}

func readme(ch *models.Challenge) string {
	return "# " + ch.Title + "\n\n" + ch.Description + "\n"
}
