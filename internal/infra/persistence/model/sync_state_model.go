package model

import (
	"time"

	"github.com/google/uuid"
)

// SyncStateModel mirrors the 'calendar_sync_states' table.
type SyncStateModel struct {
	UserID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	SyncCursor   *string `gorm:"type:text"`
	LastSyncedAt *time.Time
	Generation   int64 `gorm:"not null;default:0"`
	UpdatedAt    time.Time
}

// TableName explicitly sets the table name for GORM.
func (SyncStateModel) TableName() string {
	return "calendar_sync_states"
}
