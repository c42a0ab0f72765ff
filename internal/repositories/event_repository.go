package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"intoview/internal/models"
)

type EventRepository struct {
	DB       *gorm.DB
	Notifier Notifier
}

// Append inserts an event. Events are never updated afterwards.
func (r *EventRepository) Append(ctx context.Context, event *models.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}
	if err := r.DB.WithContext(ctx).Create(event).Error; err != nil {
		return err
	}
	if r.Notifier != nil {
		r.Notifier.PublishEvent(ctx, event)
	}
	return nil
}

// ListAfter returns up to limit events of a session with id greater than afterID, in
// insertion order.
func (r *EventRepository) ListAfter(ctx context.Context, sessionID string, afterID uint, limit int) ([]models.Event, error) {
	events := []models.Event{}
	q := r.DB.WithContext(ctx).
		Where("session_id = ? AND id > ?", sessionID, afterID).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}

// ListBySession returns every event of a session ordered by timestamp, ties by id.
func (r *EventRepository) ListBySession(ctx context.Context, sessionID string) ([]models.Event, error) {
	events := []models.Event{}
	err := r.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC, id ASC").
		Find(&events).Error
	return events, err
}

func (r *EventRepository) CountByType(ctx context.Context, sessionID string, eventType models.EventType) (int64, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&models.Event{}).
		Where("session_id = ? AND event_type = ?", sessionID, eventType).
		Count(&count).Error
	return count, err
}
