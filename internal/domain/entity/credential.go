// Package entity contains the core business objects of the project,
// each representing a unique, identifiable concept within the domain.
package entity

import (
	"time"

	"github.com/google/uuid"
)

// CalendarCredential is the long-lived delegated credential a user granted for calendar access.
// At most one non-revoked record exists per user.
type CalendarCredential struct {
	ID                     uuid.UUID  // The unique ID for this credential record.
	UserID                 uuid.UUID  // The user who granted access.
	EncryptedRefreshSecret []byte     // Refresh token sealed by the credential vault. Never logged.
	CreatedAt              time.Time  // When the user connected their calendar.
	RotatedAt              *time.Time // Set when the provider issued a replacement refresh token.
	RevokedAt              *time.Time // Non-nil once the grant is no longer usable.
}

// IsRevoked reports whether the credential can no longer be exchanged.
func (c *CalendarCredential) IsRevoked() bool {
	return c.RevokedAt != nil
}

// AccessToken is a short-lived bearer token for the calendar API.
// ExpiresAt already includes the safety margin, so it is never later than the provider's expiry.
type AccessToken struct {
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the token may still be handed out at t.
func (t *AccessToken) ValidAt(now time.Time) bool {
	return t != nil && t.Token != "" && now.Before(t.ExpiresAt)
}

// TokenGrant is the result of exchanging a refresh credential with the identity provider.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string // Equals the submitted refresh token unless the provider rotated it.
	Expiry       time.Time
}
