package model

import (
	"time"

	"github.com/google/uuid"
)

// CalendarEventModel mirrors the 'calendar_events' table, keyed by user and provider event id.
type CalendarEventModel struct {
	UserID             uuid.UUID `gorm:"type:uuid;primaryKey;index:idx_calendar_events_user_start,priority:1"`
	ProviderEventID    string    `gorm:"type:varchar(1024);primaryKey"`
	Title              string    `gorm:"type:text;not null"`
	Description        string    `gorm:"type:text"`
	StartTime          time.Time `gorm:"not null;index:idx_calendar_events_user_start,priority:2"`
	EndTime            time.Time `gorm:"not null"`
	Location           string    `gorm:"type:text"`
	AttendeeCount      *int
	ETag               string    `gorm:"column:etag;type:varchar(255)"`
	LastSeenGeneration int64     `gorm:"not null"`
	SyncedAt           time.Time `gorm:"not null"`
	UpdatedAt          *time.Time
}

// TableName explicitly sets the table name for GORM.
func (CalendarEventModel) TableName() string {
	return "calendar_events"
}
