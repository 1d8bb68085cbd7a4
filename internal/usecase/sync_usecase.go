package usecase

import (
	"context"

	"calsync/internal/domain/entity"

	"github.com/google/uuid"
)

// SyncUsecase reconciles the local event cache with the remote calendar.
type SyncUsecase interface {
	// Sync waits briefly for the user's sync lock and runs a sync.
	Sync(ctx context.Context, userID uuid.UUID, forceFull bool) (*entity.SyncResult, error)
	// TrySync runs an incremental sync only if no other sync holds the lock.
	TrySync(ctx context.Context, userID uuid.UUID) (*entity.SyncResult, error)
}
