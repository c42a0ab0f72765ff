package models

import "time"

type EventType string

const (
	EventSessionStart    EventType = "session_start"
	EventTerminalOutput  EventType = "terminal_output"
	EventFileChange      EventType = "file_change"
	EventCommandExecuted EventType = "command_executed"
	EventCodeRun         EventType = "code_run"
	EventSubmission      EventType = "submission"
	EventSessionEnd      EventType = "session_end"
	EventClaudeCode      EventType = "claude_code_event"
)

// Event is an append-only activity fact. Rows are never updated or deleted.
type Event struct {
	ID         uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string         `gorm:"type:varchar(36);not null;index:idx_events_session_ts,priority:1" json:"session_id"`
	Timestamp  time.Time      `gorm:"not null;index:idx_events_session_ts,priority:2" json:"timestamp"`
	EventType  EventType      `gorm:"type:varchar(32);not null" json:"event_type"`
	RawContent string         `gorm:"type:text;not null" json:"raw_content"`
	Metadata   map[string]any `gorm:"type:text;serializer:json" json:"metadata"`
}

// NewEvent stamps an event for insertion; the id is assigned by the store.
func NewEvent(sessionID string, eventType EventType, raw string, metadata map[string]any) *Event {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Event{
		SessionID:  sessionID,
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		RawContent: raw,
		Metadata:   metadata,
	}
}
