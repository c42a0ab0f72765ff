package summary

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"intoview/internal/models"
)

type EventHistory interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.Event, error)
}

type InsightHistory interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.Insight, error)
}

// Collector gathers a session's full history for summarisation.
type Collector struct {
	Events   EventHistory
	Insights InsightHistory
}

// Collect fetches events and insights concurrently. On error the returned input still
// carries the session context so a summary can be attempted with what is known.
func (c *Collector) Collect(ctx context.Context, session *models.Session, now time.Time) (Input, error) {
	in := Input{
		Session:   session,
		Challenge: session.Challenge,
		Rubric:    session.Rubric,
		Duration:  session.Elapsed(now),
	}

	var (
		events   []models.Event
		insights []models.Insight
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = c.Events.ListBySession(gctx, session.ID)
		return err
	})
	g.Go(func() error {
		var err error
		insights, err = c.Insights.ListBySession(gctx, session.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return in, err
	}
	in.Events = events
	in.Insights = insights
	return in, nil
}
