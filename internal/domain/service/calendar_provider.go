package service

import (
	"context"
	"time"

	"calsync/internal/domain/entity"

	"github.com/pkg/errors"
)

var (
	// ErrCursorExpired is reported when the provider no longer accepts a sync cursor.
	ErrCursorExpired = errors.New("sync cursor expired")
	// ErrProviderUnauthorized is reported when the provider rejects the bearer token.
	ErrProviderUnauthorized = errors.New("calendar provider rejected bearer token")
)

// EventListQuery selects one page of events.
// SyncCursor and the time bounds are mutually exclusive.
type EventListQuery struct {
	TimeMin    time.Time
	TimeMax    time.Time
	SyncCursor string
	PageToken  string
	PageSize   int64
}

// EventPage is one page of a listing. NextSyncCursor is only set on the final page.
type EventPage struct {
	Events         []*entity.RemoteEvent
	NextPageToken  string
	NextSyncCursor string
}

// CalendarProvider lists events from the remote calendar.
type CalendarProvider interface {
	ListEvents(ctx context.Context, bearerToken string, query EventListQuery) (*EventPage, error)
}
