package service

import (
	"context"

	"calsync/internal/domain/entity"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrCacheMiss is returned by a reachable tier that holds no valid token.
// Any other error means the tier is unavailable.
var ErrCacheMiss = errors.New("access token cache miss")

// TokenCache is one tier of the access token cache.
type TokenCache interface {
	Get(ctx context.Context, userID uuid.UUID) (*entity.AccessToken, error)
	// Set stores the token until its ExpiresAt.
	Set(ctx context.Context, token *entity.AccessToken) error
	Delete(ctx context.Context, userID uuid.UUID) error
	// Name identifies the tier in logs and metrics.
	Name() string
}
