package model

import (
	"time"

	"github.com/google/uuid"
)

// CalendarCredentialModel mirrors the 'calendar_credentials' table.
// A partial unique index keeps one active row per user.
type CalendarCredentialModel struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID                 uuid.UUID `gorm:"type:uuid;not null;index:idx_calendar_credentials_active_user,unique,where:revoked_at IS NULL"`
	EncryptedRefreshSecret []byte    `gorm:"not null"`
	CreatedAt              time.Time `gorm:"not null"`
	RotatedAt              *time.Time
	RevokedAt              *time.Time
}

// TableName explicitly sets the table name for GORM.
func (CalendarCredentialModel) TableName() string {
	return "calendar_credentials"
}
