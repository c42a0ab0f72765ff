package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"intoview/internal/models"
)

var ErrNotFound = errors.New("record not found")

// Notifier is told about every appended event and insight so realtime subscribers can
// follow a session. Publishing is best effort.
type Notifier interface {
	PublishEvent(ctx context.Context, event *models.Event)
	PublishInsight(ctx context.Context, insight *models.Insight)
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Challenge{},
		&models.Rubric{},
		&models.Session{},
		&models.Event{},
		&models.Insight{},
		&models.ObserverCheckpoint{},
	)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
