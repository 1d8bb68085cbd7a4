package impl

import (
	"context"
	"log/slog"
	"time"

	"calsync/config"
	deliverycontext "calsync/internal/delivery/context"
	"calsync/internal/domain/entity"
	domainerrors "calsync/internal/domain/errors"
	"calsync/internal/domain/repository"
	"calsync/internal/domain/service"
	"calsync/internal/usecase"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/fx"
)

const (
	syncKindFull        = "full"
	syncKindIncremental = "incremental"
	outcomeContention   = "contention"

	leaseReserveDivisor = 10
)

// SyncServiceParams holds dependencies for the sync engine, injected by Fx.
type SyncServiceParams struct {
	fx.In

	Config    *config.Config
	Logger    *slog.Logger
	TxManager repository.TransactionManager
	Locker    service.SyncLocker
	Calendar  service.CalendarProvider
	Tokens    usecase.TokenUsecase
	Publisher service.EventPublisher `optional:"true"`
	Metrics   service.Metrics        `optional:"true"`
}

// syncService implements the SyncUsecase interface.
type syncService struct {
	txManager repository.TransactionManager
	locker    service.SyncLocker
	calendar  service.CalendarProvider
	tokens    usecase.TokenUsecase
	publisher service.EventPublisher
	metrics   service.Metrics
	logger    *slog.Logger
	cfg       *config.SyncConfig
	retry     retryPolicy
	now       func() time.Time
}

// NewSyncService is the constructor for syncService.
func NewSyncService(params SyncServiceParams) usecase.SyncUsecase {
	metrics := params.Metrics
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}

	return &syncService{
		txManager: params.TxManager,
		locker:    params.Locker,
		calendar:  params.Calendar,
		tokens:    params.Tokens,
		publisher: params.Publisher,
		metrics:   metrics,
		logger:    params.Logger,
		cfg:       params.Config.Sync,
		retry: retryPolicy{
			maxAttempts: params.Config.TokenCache.RetryMaxAttempts,
			initial:     params.Config.TokenCache.RetryInitial,
		},
		now: time.Now,
	}
}

// log returns a request-scoped logger if available, otherwise falls back to the service's logger.
func (srv *syncService) log(ctx context.Context) *slog.Logger {
	return deliverycontext.GetLoggerOrDefault(ctx, srv.logger)
}

// Sync waits up to the configured lock wait and then synchronizes the user's calendar.
func (srv *syncService) Sync(ctx context.Context, userID uuid.UUID, forceFull bool) (*entity.SyncResult, error) {
	return srv.withLock(ctx, userID, srv.cfg.LockWait, forceFull)
}

// TrySync gives up immediately when another sync holds the user's lock.
func (srv *syncService) TrySync(ctx context.Context, userID uuid.UUID) (*entity.SyncResult, error) {
	return srv.withLock(ctx, userID, 0, false)
}

func (srv *syncService) withLock(ctx context.Context, userID uuid.UUID, wait time.Duration, forceFull bool) (*entity.SyncResult, error) {
	release, err := srv.locker.Acquire(ctx, userID, wait)
	if err != nil {
		if errors.Is(err, service.ErrLockNotAcquired) {
			kind := syncKindIncremental
			if forceFull {
				kind = syncKindFull
			}
			srv.metrics.SyncCompleted(kind, outcomeContention, 0)
			srv.log(ctx).Debug("Sync already in progress", slog.Any("user_id", userID))

			return nil, domainerrors.ErrSyncInProgress.WrapMessage("calendar sync already running")
		}

		return nil, errors.Wrap(err, "failed to acquire sync lock")
	}
	defer release()

	// The run must finish while the lease is still ours.
	runCtx, cancel := context.WithTimeout(ctx, srv.leaseBudget())
	defer cancel()

	result, err := srv.run(runCtx, userID, forceFull)
	if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, domainerrors.ErrTransientUpstream.WrapMessage("calendar sync outlasted its lock lease")
	}

	return result, err
}

// leaseBudget leaves a tenth of the lock TTL for commit and release.
func (srv *syncService) leaseBudget() time.Duration {
	return srv.cfg.LockTTL - srv.cfg.LockTTL/leaseReserveDivisor
}

// run performs one sync while the caller holds the user's lock.
func (srv *syncService) run(ctx context.Context, userID uuid.UUID, forceFull bool) (*entity.SyncResult, error) {
	started := srv.now()

	state, credentialID, err := srv.loadState(ctx, userID)
	if err != nil {
		return nil, err
	}

	var result *entity.SyncResult
	kind := syncKindIncremental
	if forceFull || state.NeedsFullSync() {
		kind = syncKindFull
		result, err = srv.fullSync(ctx, userID, credentialID, state)
	} else {
		result, err = srv.incrementalSync(ctx, userID, credentialID, state)
		if errors.Is(err, service.ErrCursorExpired) {
			srv.log(ctx).Info("Sync cursor expired, falling back to full sync", slog.Any("user_id", userID))
			kind = syncKindFull
			result, err = srv.fullSync(ctx, userID, credentialID, state)
		}
	}

	elapsed := srv.now().Sub(started)
	if err != nil {
		srv.metrics.SyncCompleted(kind, outcomeError, elapsed)
		srv.log(ctx).Warn("Calendar sync failed",
			slog.Any("user_id", userID),
			slog.String("kind", kind),
			slog.Any("error", err),
		)

		return nil, err
	}

	srv.metrics.SyncCompleted(kind, outcomeSuccess, elapsed)
	srv.metrics.SyncChanges(result.Added, result.Updated, result.Deleted)
	srv.log(ctx).Info("Calendar sync completed",
		slog.Any("user_id", userID),
		slog.String("kind", kind),
		slog.Int("added", result.Added),
		slog.Int("updated", result.Updated),
		slog.Int("deleted", result.Deleted),
		slog.Int64("generation", result.Generation),
		slog.Duration("elapsed", elapsed),
	)

	srv.publish(ctx, userID, result)

	return result, nil
}

// loadState returns the user's sync state and the credential the run is bound to.
func (srv *syncService) loadState(ctx context.Context, userID uuid.UUID) (*entity.SyncState, uuid.UUID, error) {
	var (
		state        *entity.SyncState
		credentialID uuid.UUID
	)

	err := srv.txManager.Execute(ctx, func(repoFactory repository.RepositoryFactory) error {
		credential, err := repoFactory.CredentialRepo().FindActiveByUserID(ctx, userID)
		if err != nil {
			return err
		}
		credentialID = credential.ID

		found, err := repoFactory.SyncStateRepo().FindByUserID(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrSyncStateNotFound) {
				state = &entity.SyncState{UserID: userID}

				return nil
			}

			return err
		}
		state = found

		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return nil, uuid.Nil, domainerrors.ErrReauthorizationRequired.WrapMessage("no active calendar credential")
		}

		return nil, uuid.Nil, errors.Wrap(err, "failed to load sync state")
	}

	return state, credentialID, nil
}

// ensureConnected locks the credential the run started with. A disconnect or
// reconnect that landed meanwhile aborts the commit.
func (srv *syncService) ensureConnected(ctx context.Context, repoFactory repository.RepositoryFactory, userID, credentialID uuid.UUID) error {
	credential, err := repoFactory.CredentialRepo().LockActiveByUserID(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrCredentialNotFound):
		return domainerrors.ErrReauthorizationRequired.WrapMessage("calendar disconnected during sync")
	case err != nil:
		return errors.Wrap(err, "failed to lock calendar credential")
	case credential.ID != credentialID:
		return domainerrors.ErrConflict.WrapMessage("calendar reconnected during sync")
	}

	return nil
}

// fullSync re-lists the whole window and purges events the listing no longer returns.
func (srv *syncService) fullSync(ctx context.Context, userID, credentialID uuid.UUID, state *entity.SyncState) (*entity.SyncResult, error) {
	now := srv.now()
	query := service.EventListQuery{
		TimeMin:  now.Add(-srv.cfg.LookBehind),
		TimeMax:  now.Add(srv.cfg.LookAhead),
		PageSize: srv.cfg.PageSize,
	}

	remote, cursor, err := srv.drain(ctx, userID, query)
	if err != nil {
		return nil, err
	}

	result := &entity.SyncResult{WasFullSync: true, Generation: state.Generation + 1}
	syncedAt := srv.now()
	candidates := make([]*entity.CachedEvent, 0, len(remote))
	for _, event := range remote {
		if event.Cancelled || event.AllDay {
			continue
		}
		candidates = append(candidates, toCachedEvent(userID, event, result.Generation, syncedAt))
	}

	err = srv.txManager.Execute(ctx, func(repoFactory repository.RepositoryFactory) error {
		if err := srv.ensureConnected(ctx, repoFactory, userID, credentialID); err != nil {
			return err
		}
		eventRepo := repoFactory.EventRepo()

		added, updated, err := srv.upsert(ctx, eventRepo, userID, candidates)
		if err != nil {
			return err
		}

		deleted, err := eventRepo.DeleteStale(ctx, userID, result.Generation)
		if err != nil {
			return errors.Wrap(err, "failed to purge stale events")
		}
		result.Added, result.Updated, result.Deleted = added, updated, int(deleted)

		return repoFactory.SyncStateRepo().Save(ctx, &entity.SyncState{
			UserID:       userID,
			SyncCursor:   cursorOrNil(cursor),
			LastSyncedAt: &syncedAt,
			Generation:   result.Generation,
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to commit full sync")
	}

	return result, nil
}

// incrementalSync applies the changes reported since the stored cursor.
func (srv *syncService) incrementalSync(ctx context.Context, userID, credentialID uuid.UUID, state *entity.SyncState) (*entity.SyncResult, error) {
	query := service.EventListQuery{
		SyncCursor: *state.SyncCursor,
		PageSize:   srv.cfg.PageSize,
	}

	remote, cursor, err := srv.drain(ctx, userID, query)
	if err != nil {
		return nil, err
	}

	result := &entity.SyncResult{Generation: state.Generation}
	syncedAt := srv.now()
	var removed []string
	candidates := make([]*entity.CachedEvent, 0, len(remote))
	for _, event := range remote {
		// An event that became all-day is no longer representable in the cache.
		if event.Cancelled || event.AllDay {
			removed = append(removed, event.ID)

			continue
		}
		candidates = append(candidates, toCachedEvent(userID, event, result.Generation, syncedAt))
	}

	if cursor == "" {
		// Keep the old cursor rather than forcing a full sync on the next run.
		cursor = *state.SyncCursor
	}

	err = srv.txManager.Execute(ctx, func(repoFactory repository.RepositoryFactory) error {
		if err := srv.ensureConnected(ctx, repoFactory, userID, credentialID); err != nil {
			return err
		}
		eventRepo := repoFactory.EventRepo()

		deleted, err := eventRepo.Delete(ctx, userID, removed)
		if err != nil {
			return errors.Wrap(err, "failed to delete cancelled events")
		}

		added, updated, err := srv.upsert(ctx, eventRepo, userID, candidates)
		if err != nil {
			return err
		}
		result.Added, result.Updated, result.Deleted = added, updated, int(deleted)

		return repoFactory.SyncStateRepo().Save(ctx, &entity.SyncState{
			UserID:       userID,
			SyncCursor:   &cursor,
			LastSyncedAt: &syncedAt,
			Generation:   result.Generation,
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to commit incremental sync")
	}

	return result, nil
}

// upsert writes candidates and counts which of them were new or changed.
func (srv *syncService) upsert(ctx context.Context, eventRepo repository.EventRepository, userID uuid.UUID, candidates []*entity.CachedEvent) (added, updated int, err error) {
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	ids := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		ids = append(ids, candidate.ProviderEventID)
	}

	existing, err := eventRepo.FindByProviderIDs(ctx, userID, ids)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to load cached events")
	}

	for _, candidate := range candidates {
		cached, ok := existing[candidate.ProviderEventID]
		switch {
		case !ok:
			added++
		case !cached.SameContent(candidate):
			updated++
		}
	}

	if err := eventRepo.Upsert(ctx, candidates); err != nil {
		return 0, 0, errors.Wrap(err, "failed to upsert events")
	}

	return added, updated, nil
}

// drain follows page tokens to the end and returns the cursor from the final page.
// A later occurrence of the same event id replaces an earlier one.
func (srv *syncService) drain(ctx context.Context, userID uuid.UUID, query service.EventListQuery) ([]*entity.RemoteEvent, string, error) {
	var events []*entity.RemoteEvent
	index := make(map[string]int)

	for {
		page, err := srv.listPage(ctx, userID, query)
		if err != nil {
			return nil, "", err
		}

		for _, event := range page.Events {
			if event.ID == "" {
				continue
			}
			if i, ok := index[event.ID]; ok {
				events[i] = event

				continue
			}
			index[event.ID] = len(events)
			events = append(events, event)
		}

		if page.NextPageToken == "" {
			return events, page.NextSyncCursor, nil
		}
		query.PageToken = page.NextPageToken
	}
}

// listPage fetches one page. A rejected bearer token is dropped and the page retried once.
func (srv *syncService) listPage(ctx context.Context, userID uuid.UUID, query service.EventListQuery) (*service.EventPage, error) {
	for attempt := 0; ; attempt++ {
		bearer, err := srv.tokens.GetBearerToken(ctx, userID)
		if err != nil {
			return nil, err
		}

		var page *service.EventPage
		err = srv.retry.do(ctx, func() error {
			pageCtx, cancel := context.WithTimeout(ctx, srv.cfg.Timeout)
			defer cancel()

			result, err := srv.calendar.ListEvents(pageCtx, bearer, query)
			if err != nil {
				if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
					return errors.Wrap(service.ErrUpstreamUnavailable, "calendar page timed out")
				}

				return err
			}
			page = result

			return nil
		})

		switch {
		case err == nil:
			return page, nil
		case errors.Is(err, service.ErrProviderUnauthorized) && attempt == 0:
			srv.log(ctx).Info("Calendar rejected bearer token, refreshing", slog.Any("user_id", userID))
			srv.tokens.InvalidateBearerToken(ctx, userID)
		case errors.Is(err, service.ErrProviderUnauthorized):
			return nil, domainerrors.ErrTransientUpstream.WrapMessage("calendar rejected a freshly issued bearer token")
		case errors.Is(err, service.ErrCursorExpired):
			return nil, err
		case errors.Is(err, service.ErrUpstreamUnavailable):
			return nil, domainerrors.ErrTransientUpstream.WrapMessage(err.Error())
		default:
			return nil, errors.Wrap(err, "failed to list calendar events")
		}
	}
}

func (srv *syncService) publish(ctx context.Context, userID uuid.UUID, result *entity.SyncResult) {
	if srv.publisher == nil {
		return
	}

	event := &service.SyncCompletedEvent{
		RequestID:   deliverycontext.GetRequestIDFromContext(ctx),
		UserID:      userID.String(),
		Generation:  result.Generation,
		Added:       result.Added,
		Updated:     result.Updated,
		Deleted:     result.Deleted,
		WasFullSync: result.WasFullSync,
		SyncedAt:    srv.now(),
	}
	if err := srv.publisher.PublishSyncCompleted(ctx, event); err != nil {
		srv.log(ctx).Warn("Failed to publish sync completed event", slog.Any("user_id", userID), slog.Any("error", err))
	}
}

func toCachedEvent(userID uuid.UUID, event *entity.RemoteEvent, generation int64, syncedAt time.Time) *entity.CachedEvent {
	title := event.Title
	if title == "" {
		title = entity.DefaultEventTitle
	}

	return &entity.CachedEvent{
		UserID:             userID,
		ProviderEventID:    event.ID,
		Title:              title,
		Description:        event.Description,
		StartTime:          event.Start.UTC(),
		EndTime:            event.End.UTC(),
		Location:           event.Location,
		AttendeeCount:      event.AttendeeCount,
		ETag:               event.ETag,
		LastSeenGeneration: generation,
		SyncedAt:           syncedAt,
	}
}

func cursorOrNil(cursor string) *string {
	if cursor == "" {
		return nil
	}

	return &cursor
}
