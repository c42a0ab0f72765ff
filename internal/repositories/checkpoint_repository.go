package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"intoview/internal/models"
)

type CheckpointRepository struct {
	DB *gorm.DB
}

func (r *CheckpointRepository) Get(ctx context.Context, sessionID string) (*models.ObserverCheckpoint, error) {
	var cp models.ObserverCheckpoint
	if err := r.DB.WithContext(ctx).First(&cp, "session_id = ?", sessionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &cp, nil
}

// Save upserts the checkpoint. A cursor never moves backwards, and the phase is only taken
// from a write whose cursor is not behind the stored one.
func (r *CheckpointRepository) Save(ctx context.Context, cp *models.ObserverCheckpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_event_id":    gorm.Expr(keepNewer("last_event_id", ">")),
			"phase":            gorm.Expr(keepNewer("phase", ">=")),
			"phase_started_at": gorm.Expr(keepNewer("phase_started_at", ">=")),
			"updated_at":       cp.UpdatedAt,
		}),
	}).Create(cp).Error
}

func keepNewer(column, cmp string) string {
	return "CASE WHEN excluded.last_event_id " + cmp + " observer_checkpoints.last_event_id" +
		" THEN excluded." + column + " ELSE observer_checkpoints." + column + " END"
}
