package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"intoview/internal/config"
	"intoview/internal/models"
	"intoview/internal/observer"
)

const (
	runTimeout           = 5 * time.Minute
	defaultBackfillLimit = 20
)

type SessionQueries interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	ListByStatus(ctx context.Context, status models.SessionStatus) ([]models.Session, error)
	ListCompletedWithoutSummary(ctx context.Context, limit int) ([]models.Session, error)
}

type Lifecycle interface {
	End(ctx context.Context, sessionID string) (*models.EndSessionResponse, error)
	Summarize(ctx context.Context, session *models.Session) models.Summary
}

type ObserverStarter interface {
	Start(ctx context.Context, sessionID string) (*observer.Task, bool)
}

// ReapReport counts what one pass did.
type ReapReport struct {
	Resumed    int
	Expired    int
	Backfilled int
}

// ReaperJob keeps sessions converging when the process that owned them is gone: it
// resumes observer loops, ends sessions past their duration budget and writes summaries
// for completed sessions that never got one.
type ReaperJob struct {
	sessions  SessionQueries
	lifecycle Lifecycle
	observers ObserverStarter
	config    config.ReaperConfig
	cron      *cron.Cron
	logger    *zap.Logger
	now       func() time.Time
}

func NewReaperJob(sessions SessionQueries, lifecycle Lifecycle, observers ObserverStarter, cfg config.ReaperConfig, logger *zap.Logger) *ReaperJob {
	return &ReaperJob{
		sessions:  sessions,
		lifecycle: lifecycle,
		observers: observers,
		config:    cfg,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the scheduled passes
func (j *ReaperJob) Start() error {
	if !j.config.Enabled {
		j.logger.Info("Session reaper is disabled, skipping scheduler")
		return nil
	}

	_, err := j.cron.AddFunc(j.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("Reaper pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reaper job: %w", err)
	}

	j.cron.Start()
	j.logger.Info("Session reaper started", zap.String("schedule", j.config.Schedule))
	return nil
}

// Stop halts scheduling and waits for a running pass.
func (j *ReaperJob) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
		j.logger.Info("Session reaper stopped")
	}
}

// RunOnce performs a single pass. Per-session failures are logged and skipped.
func (j *ReaperJob) RunOnce(ctx context.Context) (ReapReport, error) {
	var report ReapReport

	active, err := j.sessions.ListByStatus(ctx, models.SessionActive)
	if err != nil {
		return report, fmt.Errorf("failed to list active sessions: %w", err)
	}
	now := j.now()
	for _, s := range active {
		if deadline, ok := s.Deadline(); ok && now.After(deadline) {
			if _, err := j.lifecycle.End(ctx, s.ID); err != nil {
				j.logger.Warn("Failed to end overdue session", zap.String("session_id", s.ID), zap.Error(err))
				continue
			}
			report.Expired++
			continue
		}
		if j.config.ResumeObservers {
			if _, started := j.observers.Start(ctx, s.ID); started {
				report.Resumed++
			}
		}
	}

	limit := j.config.BackfillLimit
	if limit <= 0 {
		limit = defaultBackfillLimit
	}
	missing, err := j.sessions.ListCompletedWithoutSummary(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("failed to list sessions without summary: %w", err)
	}
	for _, s := range missing {
		session, err := j.sessions.Get(ctx, s.ID)
		if err != nil {
			j.logger.Warn("Failed to load session for backfill", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		j.lifecycle.Summarize(ctx, session)
		report.Backfilled++
	}

	if report != (ReapReport{}) {
		j.logger.Info("Reaper pass complete",
			zap.Int("resumed", report.Resumed),
			zap.Int("expired", report.Expired),
			zap.Int("backfilled", report.Backfilled))
	}
	return report, nil
}
