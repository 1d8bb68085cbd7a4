package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrStateNotFound is returned for unknown, expired or already used consent states.
var ErrStateNotFound = errors.New("oauth state not found")

// OAuthStateStore binds consent states to the user who started the flow.
type OAuthStateStore interface {
	Save(ctx context.Context, state string, userID uuid.UUID, ttl time.Duration) error
	// Consume returns the bound user and deletes the state.
	Consume(ctx context.Context, state string) (uuid.UUID, error)
}
