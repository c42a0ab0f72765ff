package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"intoview/internal/models"
)

type SessionRepository struct {
	DB *gorm.DB
}

func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	return r.DB.WithContext(ctx).Create(session).Error
}

// Get loads a session with its challenge and rubric.
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := r.DB.WithContext(ctx).
		Preload("Challenge").
		Preload("Rubric").
		First(&session, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

// List returns the most recently created sessions.
func (r *SessionRepository) List(ctx context.Context, limit int) ([]models.Session, error) {
	sessions := []models.Session{}
	err := r.DB.WithContext(ctx).
		Preload("Challenge").
		Order("created_at DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *SessionRepository) ListByStatus(ctx context.Context, status models.SessionStatus) ([]models.Session, error) {
	sessions := []models.Session{}
	err := r.DB.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&sessions).Error
	return sessions, err
}

// MarkStarted moves a pending session to active. Only the first caller writes started_at;
// the returned bool reports whether this call won.
func (r *SessionRepository) MarkStarted(ctx context.Context, id, sandboxID string, at time.Time) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ? AND started_at IS NULL", id, models.SessionPending).
		Updates(map[string]any{
			"status":     models.SessionActive,
			"sandbox_id": sandboxID,
			"started_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReplaceSandboxID swaps the sandbox of an active session, only while oldID is still the
// recorded one. False means another caller replaced it first or the session ended.
func (r *SessionRepository) ReplaceSandboxID(ctx context.Context, id, oldID, newID string) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ? AND sandbox_id = ?", id, models.SessionActive, oldID).
		Update("sandbox_id", newID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkCompleted claims completion. Exactly one caller sees true and writes ended_at.
func (r *SessionRepository) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status <> ?", id, models.SessionCompleted).
		Updates(map[string]any{
			"status":   models.SessionCompleted,
			"ended_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListCompletedWithoutSummary finds sessions whose completion was claimed but whose
// summary insight was never written.
func (r *SessionRepository) ListCompletedWithoutSummary(ctx context.Context, limit int) ([]models.Session, error) {
	sessions := []models.Session{}
	withSummary := r.DB.Model(&models.Insight{}).
		Select("session_id").
		Where("insight_type = ?", models.InsightSummary)
	err := r.DB.WithContext(ctx).
		Where("status = ? AND id NOT IN (?)", models.SessionCompleted, withSummary).
		Order("ended_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}
