package impl

import (
	"context"
	"testing"
	"time"

	"calsync/internal/domain/entity"
	domainerrors "calsync/internal/domain/errors"
	"calsync/internal/domain/service"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncFixture struct {
	store     *memStore
	calendar  *fakeCalendar
	tokens    *fakeTokens
	locker    *fakeLocker
	publisher *fakePublisher
	svc       *syncService
	userID    uuid.UUID
	now       time.Time
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	f := &syncFixture{
		store:     newMemStore(),
		calendar:  &fakeCalendar{},
		tokens:    &fakeTokens{},
		locker:    newFakeLocker(),
		publisher: &fakePublisher{},
		userID:    uuid.New(),
		now:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}

	f.svc = NewSyncService(SyncServiceParams{
		Config:    newTestConfig(),
		Logger:    newDiscardLogger(),
		TxManager: f.store,
		Locker:    f.locker,
		Calendar:  f.calendar,
		Tokens:    f.tokens,
		Publisher: f.publisher,
	}).(*syncService)
	f.svc.now = func() time.Time { return f.now }
	f.store.seedCredential(f.userID, seal("1//refresh"))

	return f
}

func (f *syncFixture) remote(id, title string, offset time.Duration) *entity.RemoteEvent {
	start := f.now.Add(offset)

	return &entity.RemoteEvent{
		ID:    id,
		ETag:  `"` + id + "-" + title + `"`,
		Title: title,
		Start: start,
		End:   start.Add(30 * time.Minute),
	}
}

// serveWindow answers window listings with events and cursor queries with changes.
func (f *syncFixture) serveWindow(events []*entity.RemoteEvent, cursor string) {
	f.calendar.list = func(_ string, query service.EventListQuery) (*service.EventPage, error) {
		if query.SyncCursor != "" {
			return &service.EventPage{NextSyncCursor: query.SyncCursor}, nil
		}

		return &service.EventPage{Events: events, NextSyncCursor: cursor}, nil
	}
}

func TestSyncService_FullSyncTwiceIsIdempotent(t *testing.T) {
	f := newSyncFixture(t)
	f.serveWindow([]*entity.RemoteEvent{
		f.remote("e1", "Standup", time.Hour),
		f.remote("e2", "Planning", 3*time.Hour),
	}, "c1")

	first, err := f.svc.Sync(context.Background(), f.userID, true)
	require.NoError(t, err)
	assert.Equal(t, &entity.SyncResult{Added: 2, WasFullSync: true, Generation: 1}, first)

	second, err := f.svc.Sync(context.Background(), f.userID, true)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Added)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 0, second.Deleted)
	assert.Equal(t, int64(2), second.Generation)
	assert.Len(t, f.store.eventsOf(f.userID), 2)
}

func TestSyncService_FirstSyncWithoutCursorIsFull(t *testing.T) {
	f := newSyncFixture(t)
	f.serveWindow([]*entity.RemoteEvent{f.remote("e1", "Standup", time.Hour)}, "c1")

	result, err := f.svc.Sync(context.Background(), f.userID, false)
	require.NoError(t, err)
	assert.True(t, result.WasFullSync)

	require.Len(t, f.calendar.queries, 1)
	query := f.calendar.queries[0]
	assert.Equal(t, f.now.Add(-30*24*time.Hour), query.TimeMin)
	assert.Equal(t, f.now.Add(90*24*time.Hour), query.TimeMax)
	assert.Equal(t, int64(250), query.PageSize)

	state := f.store.stateOf(f.userID)
	require.NotNil(t, state)
	require.NotNil(t, state.SyncCursor)
	assert.Equal(t, "c1", *state.SyncCursor)
	assert.Equal(t, f.now, *state.LastSyncedAt)
}

func TestSyncService_ForcedFullSyncPurgesStaleEvents(t *testing.T) {
	f := newSyncFixture(t)
	cursor := "c7"
	f.store.seedState(&entity.SyncState{UserID: f.userID, SyncCursor: &cursor, Generation: 4})
	f.store.seedEvents(
		toCachedEvent(f.userID, f.remote("e1", "Standup", time.Hour), 4, f.now),
		toCachedEvent(f.userID, f.remote("e2", "Old review", -40*24*time.Hour), 4, f.now),
	)
	f.serveWindow([]*entity.RemoteEvent{f.remote("e1", "Standup", time.Hour)}, "c8")

	result, err := f.svc.Sync(context.Background(), f.userID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, int64(5), result.Generation)

	events := f.store.eventsOf(f.userID)
	assert.Contains(t, events, "e1")
	assert.NotContains(t, events, "e2")
	assert.Equal(t, int64(5), f.store.stateOf(f.userID).Generation)
}

func TestSyncService_IncrementalUnchangedEventKeepsGeneration(t *testing.T) {
	f := newSyncFixture(t)
	cursor := "c1"
	f.store.seedState(&entity.SyncState{UserID: f.userID, SyncCursor: &cursor, Generation: 3})
	standup := f.remote("e1", "Standup", time.Hour)
	f.store.seedEvents(toCachedEvent(f.userID, standup, 3, f.now.Add(-time.Hour)))
	f.calendar.list = func(_ string, query service.EventListQuery) (*service.EventPage, error) {
		require.Equal(t, "c1", query.SyncCursor)

		return &service.EventPage{Events: []*entity.RemoteEvent{standup}, NextSyncCursor: "c2"}, nil
	}

	result, err := f.svc.Sync(context.Background(), f.userID, false)
	require.NoError(t, err)
	assert.Equal(t, &entity.SyncResult{Generation: 3}, result)

	events := f.store.eventsOf(f.userID)
	require.Len(t, events, 1)
	assert.Equal(t, "Standup", events["e1"].Title)

	state := f.store.stateOf(f.userID)
	assert.Equal(t, int64(3), state.Generation)
	assert.Equal(t, "c2", *state.SyncCursor)
}

func TestSyncService_IncrementalConvergesWithFullSync(t *testing.T) {
	before := []string{"e1", "e2", "e3"}
	f := newSyncFixture(t)
	initial := make([]*entity.RemoteEvent, 0, len(before))
	for i, id := range before {
		initial = append(initial, f.remote(id, "v1", time.Duration(i+1)*time.Hour))
	}
	f.serveWindow(initial, "c1")
	_, err := f.svc.Sync(context.Background(), f.userID, true)
	require.NoError(t, err)

	// Remote changes: e1 renamed, e2 cancelled, e4 created, e3 untouched.
	renamed := f.remote("e1", "v2", time.Hour)
	cancelled := &entity.RemoteEvent{ID: "e2", Cancelled: true}
	created := f.remote("e4", "v1", 5*time.Hour)
	after := []*entity.RemoteEvent{renamed, initial[2], created}
	f.calendar.list = func(_ string, query service.EventListQuery) (*service.EventPage, error) {
		if query.SyncCursor == "c1" {
			return &service.EventPage{Events: []*entity.RemoteEvent{renamed, cancelled, created}, NextSyncCursor: "c2"}, nil
		}

		return &service.EventPage{Events: after, NextSyncCursor: "c9"}, nil
	}

	result, err := f.svc.Sync(context.Background(), f.userID, false)
	require.NoError(t, err)
	assert.Equal(t, &entity.SyncResult{Added: 1, Updated: 1, Deleted: 1, Generation: 1}, result)
	incremental := f.store.eventsOf(f.userID)

	fresh := newSyncFixture(t)
	fresh.now = f.now
	fresh.userID = f.userID
	fresh.store.seedCredential(fresh.userID, seal("1//refresh"))
	fresh.calendar.list = f.calendar.list
	_, err = fresh.svc.Sync(context.Background(), fresh.userID, true)
	require.NoError(t, err)
	full := fresh.store.eventsOf(fresh.userID)

	require.Len(t, incremental, len(full))
	for id, event := range full {
		cached, ok := incremental[id]
		require.True(t, ok, id)
		assert.True(t, cached.SameContent(&event), id)
	}
}

func TestSyncService_ExpiredCursorFallsBackToFullSync(t *testing.T) {
	f := newSyncFixture(t)
	cursor := "c-expired"
	f.store.seedState(&entity.SyncState{UserID: f.userID, SyncCursor: &cursor, Generation: 2})
	f.calendar.list = func(_ string, query service.EventListQuery) (*service.EventPage, error) {
		if query.SyncCursor != "" {
			return nil, errors.Wrap(service.ErrCursorExpired, "Sync token is no longer valid")
		}

		return &service.EventPage{Events: []*entity.RemoteEvent{f.remote("e1", "Standup", time.Hour)}, NextSyncCursor: "c-new"}, nil
	}

	result, err := f.svc.Sync(context.Background(), f.userID, false)
	require.NoError(t, err)
	assert.True(t, result.WasFullSync)
	assert.Equal(t, int64(3), result.Generation)
	assert.Equal(t, "c-new", *f.store.stateOf(f.userID).SyncCursor)
}

func TestSyncService_DrainsAllPagesBeforeCommit(t *testing.T) {
	f := newSyncFixture(t)
	f.calendar.list = func(_ string, query service.EventListQuery) (*service.EventPage, error) {
		switch query.PageToken {
		case "":
			return &service.EventPage{Events: []*entity.RemoteEvent{f.remote("e1", "One", time.Hour)}, NextPageToken: "p2"}, nil
		case "p2":
			return &service.EventPage{Events: []*entity.RemoteEvent{f.remote("e2", "Two", 2*time.Hour)}, NextPageToken: "p3"}, nil
		default:
			return &service.EventPage{Events: []*entity.RemoteEvent{f.remote("e3", "Three", 3*time.Hour)}, NextSyncCursor: "c-final"}, nil
		}
	}

	result, err := f.svc.Sync(context.Background(), f.userID, false)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Added)
	assert.Len(t, f.calendar.queries, 3)
	assert.Equal(t, "c-final", *f.store.stateOf(f.userID).SyncCursor)
}

func TestSyncService_FailureMidListingPersistsNothing(t *testing.T) {
	f := newSyncFixture(t)
	f.calendar.list = func(_ string, query service.EventListQuery) (*service.EventPage, error) {
		if query.PageToken == "" {
			return &service.EventPage{Events: []*entity.RemoteEvent{f.remote("e1", "One", time.Hour)}, NextPageToken: "p2"}, nil
		}

		return nil, errors.New("calendar api status 400")
	}

	_, err := f.svc.Sync(context.Background(), f.userID, false)
	require.Error(t, err)
	assert.Nil(t, f.store.stateOf(f.userID))
	assert.Empty(t, f.store.eventsOf(f.userID))
	assert.Empty(t, f.publisher.events)
}

func TestSyncService_FailureInCommitRollsBack(t *testing.T) {
	f := newSyncFixture(t)
	cursor := "c1"
	f.store.seedState(&entity.SyncState{UserID: f.userID, SyncCursor: &cursor, Generation: 1})
	f.store.seedEvents(toCachedEvent(f.userID, f.remote("gone", "Old", time.Hour), 1, f.now))
	f.calendar.list = func(string, service.EventListQuery) (*service.EventPage, error) {
		return &service.EventPage{
			Events:         []*entity.RemoteEvent{{ID: "gone", Cancelled: true}, f.remote("e1", "New", time.Hour)},
			NextSyncCursor: "c2",
		}, nil
	}
	f.store.failUpsert = errors.New("connection reset by peer")

	_, err := f.svc.Sync(context.Background(), f.userID, false)
	require.Error(t, err)
	assert.Contains(t, f.store.eventsOf(f.userID), "gone")
	assert.Equal(t, "c1", *f.store.stateOf(f.userID).SyncCursor)
}

func TestSyncService_SkipsAllDayAndDefaultsTitle(t *testing.T) {
	f := newSyncFixture(t)
	untitled := f.remote("e1", "", time.Hour)
	holiday := &entity.RemoteEvent{ID: "e2", AllDay: true, Title: "Holiday"}
	f.serveWindow([]*entity.RemoteEvent{untitled, holiday}, "c1")

	result, err := f.svc.Sync(context.Background(), f.userID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)

	events := f.store.eventsOf(f.userID)
	require.Len(t, events, 1)
	assert.Equal(t, entity.DefaultEventTitle, events["e1"].Title)
	assert.Nil(t, events["e1"].AttendeeCount)
}

func TestSyncService_RetriesOnceAfterUnauthorized(t *testing.T) {
	f := newSyncFixture(t)
	f.calendar.list = func(bearer string, _ service.EventListQuery) (*service.EventPage, error) {
		if bearer == "bearer-1" {
			return nil, errors.Wrap(service.ErrProviderUnauthorized, "Invalid Credentials")
		}

		return &service.EventPage{NextSyncCursor: "c1"}, nil
	}

	_, err := f.svc.Sync(context.Background(), f.userID, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokens.invalidated.Load())
	assert.Equal(t, []string{"bearer-1", "bearer-2"}, f.calendar.bearers)
}

func TestSyncService_RepeatedUnauthorizedIsTransient(t *testing.T) {
	f := newSyncFixture(t)
	f.calendar.list = func(string, service.EventListQuery) (*service.EventPage, error) {
		return nil, errors.Wrap(service.ErrProviderUnauthorized, "Invalid Credentials")
	}

	_, err := f.svc.Sync(context.Background(), f.userID, false)
	require.ErrorIs(t, err, domainerrors.ErrTransientUpstream)
	assert.Len(t, f.calendar.queries, 2)
}

func TestSyncService_ReauthorizationSurfaces(t *testing.T) {
	f := newSyncFixture(t)
	f.tokens.err = domainerrors.ErrReauthorizationRequired.WrapMessage("no active calendar credential")

	_, err := f.svc.Sync(context.Background(), f.userID, false)
	require.ErrorIs(t, err, domainerrors.ErrReauthorizationRequired)
	assert.Empty(t, f.calendar.queries)
}

func TestSyncService_TrySyncReportsContention(t *testing.T) {
	f := newSyncFixture(t)
	f.serveWindow(nil, "c1")

	release, err := f.locker.Acquire(context.Background(), f.userID, 0)
	require.NoError(t, err)
	defer release()

	_, err = f.svc.TrySync(context.Background(), f.userID)
	require.ErrorIs(t, err, domainerrors.ErrSyncInProgress)
	assert.Empty(t, f.calendar.queries)
}

func TestSyncService_PublishesCompletion(t *testing.T) {
	f := newSyncFixture(t)
	f.serveWindow([]*entity.RemoteEvent{f.remote("e1", "Standup", time.Hour)}, "c1")
	f.publisher.err = errors.New("topic not found")

	_, err := f.svc.Sync(context.Background(), f.userID, false)
	require.NoError(t, err)

	require.Len(t, f.publisher.events, 1)
	event := f.publisher.events[0]
	assert.Equal(t, f.userID.String(), event.UserID)
	assert.Equal(t, 1, event.Added)
	assert.True(t, event.WasFullSync)
}

func TestSyncService_TransientListingIsRetried(t *testing.T) {
	f := newSyncFixture(t)
	calls := 0
	f.calendar.list = func(string, service.EventListQuery) (*service.EventPage, error) {
		calls++
		if calls == 1 {
			return nil, errors.Wrap(service.ErrUpstreamUnavailable, "calendar api status 503")
		}

		return &service.EventPage{NextSyncCursor: "c1"}, nil
	}

	_, err := f.svc.Sync(context.Background(), f.userID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSyncService_DisconnectDuringListingDiscardsResult(t *testing.T) {
	f := newSyncFixture(t)
	listing := make(chan struct{})
	resume := make(chan struct{})
	f.calendar.list = func(string, service.EventListQuery) (*service.EventPage, error) {
		close(listing)
		<-resume

		return &service.EventPage{Events: []*entity.RemoteEvent{f.remote("e1", "Standup", time.Hour)}, NextSyncCursor: "c1"}, nil
	}
	connections := NewConnectionService(ConnectionServiceParams{
		Config:     newTestConfig(),
		Logger:     newDiscardLogger(),
		TxManager:  f.store,
		Vault:      fakeVault{},
		Identity:   &fakeIdentity{},
		StateStore: newFakeStateStore(),
		Tokens:     f.tokens,
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Sync(context.Background(), f.userID, false)
		done <- err
	}()

	<-listing
	require.NoError(t, connections.Disconnect(context.Background(), f.userID))
	close(resume)

	require.ErrorIs(t, <-done, domainerrors.ErrReauthorizationRequired)
	assert.Nil(t, f.store.stateOf(f.userID))
	assert.Empty(t, f.store.eventsOf(f.userID))
	assert.Empty(t, f.publisher.events)
}

func TestSyncService_ReconnectDuringListingDiscardsResult(t *testing.T) {
	f := newSyncFixture(t)
	listing := make(chan struct{})
	resume := make(chan struct{})
	f.calendar.list = func(string, service.EventListQuery) (*service.EventPage, error) {
		close(listing)
		<-resume

		return &service.EventPage{Events: []*entity.RemoteEvent{f.remote("e1", "Old grant", time.Hour)}, NextSyncCursor: "c1"}, nil
	}
	connections := NewConnectionService(ConnectionServiceParams{
		Config:     newTestConfig(),
		Logger:     newDiscardLogger(),
		TxManager:  f.store,
		Vault:      fakeVault{},
		Identity:   &fakeIdentity{},
		StateStore: newFakeStateStore(),
		Tokens:     f.tokens,
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Sync(context.Background(), f.userID, false)
		done <- err
	}()

	<-listing
	_, err := connections.ConnectWithRefreshToken(context.Background(), f.userID, "1//new-grant")
	require.NoError(t, err)
	close(resume)

	require.ErrorIs(t, <-done, domainerrors.ErrConflict)
	assert.Nil(t, f.store.stateOf(f.userID))
	assert.Empty(t, f.store.eventsOf(f.userID))
}

func TestSyncService_WithoutCredentialRequiresReauthorization(t *testing.T) {
	f := newSyncFixture(t)
	f.serveWindow(nil, "c1")

	_, err := f.svc.Sync(context.Background(), uuid.New(), false)
	require.ErrorIs(t, err, domainerrors.ErrReauthorizationRequired)
	assert.Empty(t, f.calendar.queries)
}

func TestSyncService_StopsBeforeLockLeaseExpires(t *testing.T) {
	f := newSyncFixture(t)
	f.svc.cfg.LockTTL = 100 * time.Millisecond
	f.calendar.hang = true

	start := time.Now()
	_, err := f.svc.Sync(context.Background(), f.userID, true)
	require.ErrorIs(t, err, domainerrors.ErrTransientUpstream)
	assert.Less(t, time.Since(start), f.svc.cfg.Timeout)
	assert.Nil(t, f.store.stateOf(f.userID))

	// The lock is free again for the next run.
	f.calendar.hang = false
	f.serveWindow(nil, "c1")
	_, err = f.svc.Sync(context.Background(), f.userID, true)
	require.NoError(t, err)
}

func TestSyncService_ContentionRecordsRequestedKind(t *testing.T) {
	f := newSyncFixture(t)
	metrics := &fakeMetrics{}
	f.svc.metrics = metrics

	release, err := f.locker.Acquire(context.Background(), f.userID, 0)
	require.NoError(t, err)
	defer release()

	_, err = f.svc.Sync(context.Background(), f.userID, true)
	require.ErrorIs(t, err, domainerrors.ErrSyncInProgress)
	_, err = f.svc.TrySync(context.Background(), f.userID)
	require.ErrorIs(t, err, domainerrors.ErrSyncInProgress)

	assert.Equal(t, []string{"full/contention", "incremental/contention"}, metrics.syncs)
}
