// Package repository defines the interfaces for the persistence layer.
// These interfaces act as a contract between the domain/application layers and the infrastructure layer.
package repository

import (
	"context"
	"time"

	"calsync/internal/domain/entity"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Domain-specific errors for credential persistence.
var (
	// ErrCredentialNotFound is returned when a user has no active calendar credential.
	ErrCredentialNotFound = errors.New("calendar credential not found")
)

// CredentialRepository stores encrypted refresh credentials.
type CredentialRepository interface {
	// FindActiveByUserID returns the user's non-revoked credential.
	FindActiveByUserID(ctx context.Context, userID uuid.UUID) (*entity.CalendarCredential, error)

	// LockActiveByUserID is FindActiveByUserID holding a row lock until the transaction ends,
	// so a concurrent revoke either completes first or waits for the caller to commit.
	LockActiveByUserID(ctx context.Context, userID uuid.UUID) (*entity.CalendarCredential, error)

	// Create persists a new credential. The caller revokes any previous record first.
	Create(ctx context.Context, credential *entity.CalendarCredential) error

	// UpdateSecret replaces the encrypted secret after the provider rotated it.
	UpdateSecret(ctx context.Context, id uuid.UUID, encrypted []byte, rotatedAt time.Time) error

	// RevokeByUserID marks every active credential of the user as revoked.
	// It returns the number of records revoked.
	RevokeByUserID(ctx context.Context, userID uuid.UUID, revokedAt time.Time) (int64, error)
}
