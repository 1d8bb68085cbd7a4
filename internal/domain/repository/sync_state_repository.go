package repository

import (
	"context"

	"calsync/internal/domain/entity"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrSyncStateNotFound is returned when a user has never been synced.
var ErrSyncStateNotFound = errors.New("sync state not found")

// SyncStateRepository persists per-user sync cursors.
type SyncStateRepository interface {
	FindByUserID(ctx context.Context, userID uuid.UUID) (*entity.SyncState, error)

	// Save writes cursor, last sync time and generation in a single statement.
	Save(ctx context.Context, state *entity.SyncState) error

	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
}
