// Package usecase contains the application-specific business rules.
package usecase

import (
	"context"

	"github.com/google/uuid"
)

// TokenUsecase hands out short-lived calendar bearer tokens for connected users.
type TokenUsecase interface {
	// GetBearerToken returns a cached token or exchanges the stored refresh credential for one.
	GetBearerToken(ctx context.Context, userID uuid.UUID) (string, error)
	// InvalidateBearerToken drops the user's token from every cache tier.
	InvalidateBearerToken(ctx context.Context, userID uuid.UUID)
}
