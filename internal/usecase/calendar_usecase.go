package usecase

import (
	"context"
	"time"

	"calsync/internal/domain/entity"

	"github.com/google/uuid"
)

// EventQuery selects cached events. Nil bounds fall back to the next 24 hours.
type EventQuery struct {
	TimeMin *time.Time
	TimeMax *time.Time
	Limit   int
}

// CalendarUsecase is the read side consumed by the rest of the system.
type CalendarUsecase interface {
	// GetEvents serves cached events and starts a background sync when the cache is stale.
	GetEvents(ctx context.Context, userID uuid.UUID, query EventQuery) ([]*entity.CachedEvent, error)
	// TriggerSync runs a blocking sync for an explicit refresh.
	TriggerSync(ctx context.Context, userID uuid.UUID, forceFull bool) (*entity.SyncResult, error)
}
