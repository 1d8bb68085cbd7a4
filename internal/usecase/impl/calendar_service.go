package impl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"calsync/config"
	deliverycontext "calsync/internal/delivery/context"
	"calsync/internal/domain/entity"
	domainerrors "calsync/internal/domain/errors"
	"calsync/internal/domain/repository"
	"calsync/internal/usecase"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/fx"
)

const (
	defaultEventLimit  = 50
	maxEventLimit      = 250
	defaultEventWindow = 24 * time.Hour
)

// CalendarServiceParams holds dependencies for the query facade, injected by Fx.
type CalendarServiceParams struct {
	fx.In
	fx.Lifecycle

	Config    *config.Config
	Logger    *slog.Logger
	TxManager repository.TransactionManager
	Sync      usecase.SyncUsecase
}

// calendarService implements the CalendarUsecase interface.
type calendarService struct {
	txManager repository.TransactionManager
	sync      usecase.SyncUsecase
	logger    *slog.Logger
	cfg       *config.SyncConfig

	background sync.WaitGroup
	now        func() time.Time
}

// NewCalendarService is the constructor for calendarService.
func NewCalendarService(params CalendarServiceParams) usecase.CalendarUsecase {
	srv := &calendarService{
		txManager: params.TxManager,
		sync:      params.Sync,
		logger:    params.Logger,
		cfg:       params.Config.Sync,
		now:       time.Now,
	}

	params.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return srv.drainBackground(ctx)
		},
	})

	return srv
}

// log returns a request-scoped logger if available, otherwise falls back to the service's logger.
func (srv *calendarService) log(ctx context.Context) *slog.Logger {
	return deliverycontext.GetLoggerOrDefault(ctx, srv.logger)
}

// GetEvents serves the cached events overlapping the query window.
// A stale cache triggers a background sync that this call never waits for.
func (srv *calendarService) GetEvents(ctx context.Context, userID uuid.UUID, query usecase.EventQuery) ([]*entity.CachedEvent, error) {
	window, err := srv.resolveWindow(query)
	if err != nil {
		return nil, err
	}

	var (
		state  *entity.SyncState
		events []*entity.CachedEvent
	)
	err = srv.txManager.Execute(ctx, func(repoFactory repository.RepositoryFactory) error {
		found, err := repoFactory.SyncStateRepo().FindByUserID(ctx, userID)
		if err != nil && !errors.Is(err, repository.ErrSyncStateNotFound) {
			return errors.Wrap(err, "failed to load sync state")
		}
		state = found

		events, err = repoFactory.EventRepo().FindInWindow(ctx, userID, window)
		if err != nil {
			return errors.Wrap(err, "failed to query cached events")
		}

		return nil
	})
	if err != nil {
		srv.log(ctx).Error("Failed to read cached events", slog.Any("user_id", userID), slog.Any("error", err))

		return nil, err
	}

	var lastSyncedAt *time.Time
	if state != nil {
		lastSyncedAt = state.LastSyncedAt
	}
	if IsStale(lastSyncedAt, srv.now(), srv.cfg.MinInterval) {
		srv.triggerBackgroundSync(ctx, userID)
	}

	return events, nil
}

// TriggerSync runs a blocking sync on behalf of an explicit refresh request.
func (srv *calendarService) TriggerSync(ctx context.Context, userID uuid.UUID, forceFull bool) (*entity.SyncResult, error) {
	srv.log(ctx).Info("Calendar sync requested", slog.Any("user_id", userID), slog.Bool("force_full", forceFull))

	return srv.sync.Sync(ctx, userID, forceFull)
}

func (srv *calendarService) resolveWindow(query usecase.EventQuery) (entity.TimeWindow, error) {
	window := entity.TimeWindow{Limit: query.Limit}

	switch {
	case query.TimeMin != nil:
		window.Start = query.TimeMin.UTC()
	case query.TimeMax != nil:
		window.Start = query.TimeMax.UTC().Add(-defaultEventWindow)
	default:
		window.Start = srv.now().UTC()
	}

	if query.TimeMax != nil {
		window.End = query.TimeMax.UTC()
	} else {
		window.End = window.Start.Add(defaultEventWindow)
	}

	if !window.End.After(window.Start) {
		return window, domainerrors.ErrInvalidTimeWindow.WrapMessage("timeMax must be after timeMin")
	}

	switch {
	case window.Limit < 0:
		return window, domainerrors.ErrValidationFailed.WrapMessage("limit must not be negative")
	case window.Limit == 0:
		window.Limit = defaultEventLimit
	case window.Limit > maxEventLimit:
		window.Limit = maxEventLimit
	}

	return window, nil
}

// triggerBackgroundSync starts a TrySync detached from the caller's deadline.
func (srv *calendarService) triggerBackgroundSync(ctx context.Context, userID uuid.UUID) {
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), srv.cfg.BackgroundTimeout)

	srv.background.Add(1)
	go func() {
		defer srv.background.Done()
		defer cancel()

		_, err := srv.sync.TrySync(bgCtx, userID)
		switch {
		case err == nil:
		case errors.Is(err, domainerrors.ErrSyncInProgress):
			srv.log(bgCtx).Debug("Background sync skipped, another sync is running", slog.Any("user_id", userID))
		case errors.Is(err, domainerrors.ErrReauthorizationRequired):
			srv.log(bgCtx).Info("Background sync skipped, calendar not connected", slog.Any("user_id", userID))
		default:
			srv.log(bgCtx).Warn("Background sync failed", slog.Any("user_id", userID), slog.Any("error", err))
		}
	}()
}

// drainBackground waits for in-flight background syncs during shutdown.
func (srv *calendarService) drainBackground(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		srv.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "background syncs still running")
	}
}
