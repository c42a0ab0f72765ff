package models

import "time"

// ObserverCheckpoint is the minimal state needed to resume an observer loop on any instance.
type ObserverCheckpoint struct {
	SessionID      string    `gorm:"primaryKey;type:varchar(36)" json:"session_id"`
	LastEventID    uint      `gorm:"not null;default:0" json:"last_event_id"`
	Phase          Phase     `gorm:"type:varchar(16);not null" json:"phase"`
	PhaseStartedAt time.Time `json:"phase_started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
