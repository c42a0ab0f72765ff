package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"intoview/internal/models"
)

type InsightRepository struct {
	DB       *gorm.DB
	Notifier Notifier
}

// Append inserts an insight. Insights are never updated afterwards.
func (r *InsightRepository) Append(ctx context.Context, insight *models.Insight) error {
	if insight.Timestamp.IsZero() {
		insight.Timestamp = time.Now().UTC()
	}
	if err := r.DB.WithContext(ctx).Create(insight).Error; err != nil {
		return err
	}
	if r.Notifier != nil {
		r.Notifier.PublishInsight(ctx, insight)
	}
	return nil
}

// ListBySession returns every insight of a session ordered by timestamp, ties by id.
func (r *InsightRepository) ListBySession(ctx context.Context, sessionID string) ([]models.Insight, error) {
	insights := []models.Insight{}
	err := r.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC, id ASC").
		Find(&insights).Error
	return insights, err
}

// Recent returns the latest non-summary insights, most recent first.
func (r *InsightRepository) Recent(ctx context.Context, sessionID string, limit int) ([]models.Insight, error) {
	insights := []models.Insight{}
	if limit <= 0 {
		return insights, nil
	}
	err := r.DB.WithContext(ctx).
		Where("session_id = ? AND insight_type <> ?", sessionID, models.InsightSummary).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&insights).Error
	return insights, err
}

// LatestOfType returns the newest insight of the given type: greatest timestamp, then
// greatest id.
func (r *InsightRepository) LatestOfType(ctx context.Context, sessionID string, insightType models.InsightType) (*models.Insight, error) {
	var insight models.Insight
	err := r.DB.WithContext(ctx).
		Where("session_id = ? AND insight_type = ?", sessionID, insightType).
		Order("timestamp DESC, id DESC").
		First(&insight).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &insight, nil
}

func (r *InsightRepository) LatestSummary(ctx context.Context, sessionID string) (*models.Insight, error) {
	return r.LatestOfType(ctx, sessionID, models.InsightSummary)
}

// WaitForSummary polls until a summary insight exists, the attempt budget is spent or ctx
// is done. It returns ErrNotFound when the budget runs out.
func (r *InsightRepository) WaitForSummary(ctx context.Context, sessionID string, interval time.Duration, attempts int) (*models.Insight, error) {
	if attempts < 1 {
		attempts = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		insight, err := r.LatestSummary(ctx, sessionID)
		if err != ErrNotFound {
			return insight, err
		}
		if i+1 >= attempts {
			return nil, ErrNotFound
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
