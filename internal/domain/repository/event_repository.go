package repository

import (
	"context"

	"calsync/internal/domain/entity"

	"github.com/google/uuid"
)

// EventRepository manages the local event cache.
type EventRepository interface {
	// FindByProviderIDs returns cached events of the user keyed by provider event id.
	FindByProviderIDs(ctx context.Context, userID uuid.UUID, providerIDs []string) (map[string]*entity.CachedEvent, error)

	// Upsert inserts or overwrites events keyed by (user, provider event id).
	Upsert(ctx context.Context, events []*entity.CachedEvent) error

	// Delete removes the given provider events and returns how many existed.
	Delete(ctx context.Context, userID uuid.UUID, providerIDs []string) (int64, error)

	// DeleteStale removes events not refreshed by the given generation.
	DeleteStale(ctx context.Context, userID uuid.UUID, generation int64) (int64, error)

	// DeleteByUserID clears the user's cache.
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error

	// FindInWindow returns events with end > window.Start and start <= window.End ordered by start.
	FindInWindow(ctx context.Context, userID uuid.UUID, window entity.TimeWindow) ([]*entity.CachedEvent, error)
}
