package impl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"calsync/config"
	"calsync/internal/domain/entity"
	"calsync/internal/domain/repository"
	"calsync/internal/domain/service"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConfig() *config.Config {
	return &config.Config{
		GoogleOAuth: &config.GoogleOAuthConfig{StateTTL: time.Minute},
		TokenCache: &config.TokenCacheConfig{
			SafetyMargin:     5 * time.Minute,
			LocalMaxEntries:  100,
			ExchangeTimeout:  time.Second,
			RetryMaxAttempts: 3,
			RetryInitial:     time.Millisecond,
		},
		Sync: &config.SyncConfig{
			MinInterval:       5 * time.Minute,
			LookBehind:        30 * 24 * time.Hour,
			LookAhead:         90 * 24 * time.Hour,
			PageSize:          250,
			Timeout:           time.Second,
			LockTTL:           time.Minute,
			BackgroundTimeout: time.Second,
		},
	}
}

// --- in-memory persistence ---

// memStore is a transactional in-memory stand-in for the gorm repositories.
// A failed transaction restores the snapshot taken when it began.
type memStore struct {
	mu          sync.Mutex
	credentials []*entity.CalendarCredential
	states      map[uuid.UUID]*entity.SyncState
	events      map[uuid.UUID]map[string]*entity.CachedEvent

	failUpsert error
}

func newMemStore() *memStore {
	return &memStore{
		states: make(map[uuid.UUID]*entity.SyncState),
		events: make(map[uuid.UUID]map[string]*entity.CachedEvent),
	}
}

type memSnapshot struct {
	credentials []*entity.CalendarCredential
	states      map[uuid.UUID]*entity.SyncState
	events      map[uuid.UUID]map[string]*entity.CachedEvent
}

func (s *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		states: make(map[uuid.UUID]*entity.SyncState, len(s.states)),
		events: make(map[uuid.UUID]map[string]*entity.CachedEvent, len(s.events)),
	}
	for _, credential := range s.credentials {
		c := *credential
		snap.credentials = append(snap.credentials, &c)
	}
	for userID, state := range s.states {
		st := *state
		snap.states[userID] = &st
	}
	for userID, events := range s.events {
		copied := make(map[string]*entity.CachedEvent, len(events))
		for id, event := range events {
			e := *event
			copied[id] = &e
		}
		snap.events[userID] = copied
	}

	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.credentials = snap.credentials
	s.states = snap.states
	s.events = snap.events
}

// Execute serializes transactions on the store mutex.
func (s *memStore) Execute(ctx context.Context, fn func(repository.RepositoryFactory) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)

		return err
	}

	return nil
}

func (s *memStore) CredentialRepo() repository.CredentialRepository { return memCredentialRepo{s} }
func (s *memStore) SyncStateRepo() repository.SyncStateRepository { return memSyncStateRepo{s} }
func (s *memStore) EventRepo() repository.EventRepository { return memEventRepo{s} }

// Helpers below take the lock themselves and must not be called inside Execute.

func (s *memStore) seedCredential(userID uuid.UUID, sealed []byte) *entity.CalendarCredential {
	s.mu.Lock()
	defer s.mu.Unlock()

	credential := &entity.CalendarCredential{ID: uuid.New(), UserID: userID, EncryptedRefreshSecret: sealed, CreatedAt: time.Now()}
	s.credentials = append(s.credentials, credential)

	return credential
}

func (s *memStore) credentialsOf(userID uuid.UUID) []entity.CalendarCredential {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []entity.CalendarCredential
	for _, credential := range s.credentials {
		if credential.UserID == userID {
			out = append(out, *credential)
		}
	}

	return out
}

func (s *memStore) seedState(state *entity.SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := *state
	s.states[state.UserID] = &st
}

func (s *memStore) stateOf(userID uuid.UUID) *entity.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[userID]
	if !ok {
		return nil
	}
	st := *state

	return &st
}

func (s *memStore) seedEvents(events ...*entity.CachedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		if s.events[event.UserID] == nil {
			s.events[event.UserID] = make(map[string]*entity.CachedEvent)
		}
		e := *event
		s.events[event.UserID][event.ProviderEventID] = &e
	}
}

func (s *memStore) eventsOf(userID uuid.UUID) map[string]entity.CachedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]entity.CachedEvent)
	for id, event := range s.events[userID] {
		out[id] = *event
	}

	return out
}

type memCredentialRepo struct{ s *memStore }

func (r memCredentialRepo) FindActiveByUserID(_ context.Context, userID uuid.UUID) (*entity.CalendarCredential, error) {
	for _, credential := range r.s.credentials {
		if credential.UserID == userID && !credential.IsRevoked() {
			c := *credential

			return &c, nil
		}
	}

	return nil, repository.ErrCredentialNotFound
}

func (r memCredentialRepo) LockActiveByUserID(ctx context.Context, userID uuid.UUID) (*entity.CalendarCredential, error) {
	return r.FindActiveByUserID(ctx, userID)
}

func (r memCredentialRepo) Create(_ context.Context, credential *entity.CalendarCredential) error {
	for _, existing := range r.s.credentials {
		if existing.UserID == credential.UserID && !existing.IsRevoked() {
			return errors.New("duplicate active credential")
		}
	}
	c := *credential
	r.s.credentials = append(r.s.credentials, &c)

	return nil
}

func (r memCredentialRepo) UpdateSecret(_ context.Context, id uuid.UUID, encrypted []byte, rotatedAt time.Time) error {
	for _, credential := range r.s.credentials {
		if credential.ID == id && !credential.IsRevoked() {
			credential.EncryptedRefreshSecret = bytes.Clone(encrypted)
			credential.RotatedAt = &rotatedAt

			return nil
		}
	}

	return repository.ErrCredentialNotFound
}

func (r memCredentialRepo) RevokeByUserID(_ context.Context, userID uuid.UUID, revokedAt time.Time) (int64, error) {
	var count int64
	for _, credential := range r.s.credentials {
		if credential.UserID == userID && !credential.IsRevoked() {
			credential.RevokedAt = &revokedAt
			count++
		}
	}

	return count, nil
}

type memSyncStateRepo struct{ s *memStore }

func (r memSyncStateRepo) FindByUserID(_ context.Context, userID uuid.UUID) (*entity.SyncState, error) {
	state, ok := r.s.states[userID]
	if !ok {
		return nil, repository.ErrSyncStateNotFound
	}
	st := *state

	return &st, nil
}

func (r memSyncStateRepo) Save(_ context.Context, state *entity.SyncState) error {
	st := *state
	r.s.states[state.UserID] = &st

	return nil
}

func (r memSyncStateRepo) DeleteByUserID(_ context.Context, userID uuid.UUID) error {
	delete(r.s.states, userID)

	return nil
}

type memEventRepo struct{ s *memStore }

func (r memEventRepo) FindByProviderIDs(_ context.Context, userID uuid.UUID, providerIDs []string) (map[string]*entity.CachedEvent, error) {
	found := make(map[string]*entity.CachedEvent)
	for _, id := range providerIDs {
		if event, ok := r.s.events[userID][id]; ok {
			e := *event
			found[id] = &e
		}
	}

	return found, nil
}

func (r memEventRepo) Upsert(_ context.Context, events []*entity.CachedEvent) error {
	if r.s.failUpsert != nil {
		return r.s.failUpsert
	}
	for _, event := range events {
		if r.s.events[event.UserID] == nil {
			r.s.events[event.UserID] = make(map[string]*entity.CachedEvent)
		}
		e := *event
		r.s.events[event.UserID][event.ProviderEventID] = &e
	}

	return nil
}

func (r memEventRepo) Delete(_ context.Context, userID uuid.UUID, providerIDs []string) (int64, error) {
	var count int64
	for _, id := range providerIDs {
		if _, ok := r.s.events[userID][id]; ok {
			delete(r.s.events[userID], id)
			count++
		}
	}

	return count, nil
}

func (r memEventRepo) DeleteStale(_ context.Context, userID uuid.UUID, generation int64) (int64, error) {
	var count int64
	for id, event := range r.s.events[userID] {
		if event.LastSeenGeneration < generation {
			delete(r.s.events[userID], id)
			count++
		}
	}

	return count, nil
}

func (r memEventRepo) DeleteByUserID(_ context.Context, userID uuid.UUID) error {
	delete(r.s.events, userID)

	return nil
}

func (r memEventRepo) FindInWindow(_ context.Context, userID uuid.UUID, window entity.TimeWindow) ([]*entity.CachedEvent, error) {
	var out []*entity.CachedEvent
	for _, event := range r.s.events[userID] {
		if event.EndTime.After(window.Start) && !event.StartTime.After(window.End) {
			e := *event
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ProviderEventID < out[j].ProviderEventID
		}

		return out[i].StartTime.Before(out[j].StartTime)
	})
	if window.Limit > 0 && len(out) > window.Limit {
		out = out[:window.Limit]
	}

	return out, nil
}

// --- token cache tiers ---

type fakeTokenCache struct {
	mu          sync.Mutex
	name        string
	tokens      map[uuid.UUID]entity.AccessToken
	unavailable error
}

func newFakeTokenCache(name string) *fakeTokenCache {
	return &fakeTokenCache{name: name, tokens: make(map[uuid.UUID]entity.AccessToken)}
}

func (c *fakeTokenCache) Name() string { return c.name }

func (c *fakeTokenCache) Get(_ context.Context, userID uuid.UUID) (*entity.AccessToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unavailable != nil {
		return nil, c.unavailable
	}
	token, ok := c.tokens[userID]
	if !ok {
		return nil, service.ErrCacheMiss
	}

	return &token, nil
}

func (c *fakeTokenCache) Set(_ context.Context, token *entity.AccessToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unavailable != nil {
		return c.unavailable
	}
	c.tokens[token.UserID] = *token

	return nil
}

func (c *fakeTokenCache) Delete(_ context.Context, userID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unavailable != nil {
		return c.unavailable
	}
	delete(c.tokens, userID)

	return nil
}

func (c *fakeTokenCache) peek(userID uuid.UUID) (entity.AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, ok := c.tokens[userID]

	return token, ok
}

// --- vault ---

const sealPrefix = "sealed:"

type fakeVault struct{}

func (fakeVault) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return append([]byte(sealPrefix), plaintext...), nil
}

func (fakeVault) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if !bytes.HasPrefix(ciphertext, []byte(sealPrefix)) {
		return nil, errors.Wrap(service.ErrIntegrity, "bad seal")
	}

	return bytes.TrimPrefix(ciphertext, []byte(sealPrefix)), nil
}

func seal(secret string) []byte {
	return []byte(sealPrefix + secret)
}

// --- identity provider ---

type fakeIdentity struct {
	calls    atomic.Int32
	exchange func(call int32, refreshToken string) (*entity.TokenGrant, error)
	code     func(code string) (*entity.TokenGrant, error)
	// Calls up to hangCalls block until their context ends.
	hangCalls int32
}

func (f *fakeIdentity) AuthorizationURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (f *fakeIdentity) ExchangeCode(_ context.Context, code string) (*entity.TokenGrant, error) {
	return f.code(code)
}

func (f *fakeIdentity) Exchange(ctx context.Context, refreshToken string) (*entity.TokenGrant, error) {
	call := f.calls.Add(1)
	if call <= f.hangCalls {
		<-ctx.Done()

		return nil, errors.WithStack(ctx.Err())
	}

	return f.exchange(call, refreshToken)
}

// --- calendar provider ---

type fakeCalendar struct {
	mu      sync.Mutex
	list    func(bearer string, query service.EventListQuery) (*service.EventPage, error)
	queries []service.EventListQuery
	bearers []string
	// hang makes every listing wait for its context to end.
	hang bool
}

func (f *fakeCalendar) ListEvents(ctx context.Context, bearer string, query service.EventListQuery) (*service.EventPage, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.bearers = append(f.bearers, bearer)
	f.mu.Unlock()

	if f.hang {
		<-ctx.Done()

		return nil, errors.WithStack(ctx.Err())
	}

	return f.list(bearer, query)
}

// --- token usecase ---

type fakeTokens struct {
	issued      atomic.Int32
	invalidated atomic.Int32
	err         error
}

func (f *fakeTokens) GetBearerToken(context.Context, uuid.UUID) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	return fmt.Sprintf("bearer-%d", f.issued.Add(1)), nil
}

func (f *fakeTokens) InvalidateBearerToken(context.Context, uuid.UUID) {
	f.invalidated.Add(1)
}

// --- locker ---

type fakeLocker struct {
	mu   sync.Mutex
	held map[uuid.UUID]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[uuid.UUID]bool)}
}

func (l *fakeLocker) Acquire(_ context.Context, userID uuid.UUID, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[userID] {
		return nil, service.ErrLockNotAcquired
	}
	l.held[userID] = true

	var once sync.Once

	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, userID)
			l.mu.Unlock()
		})
	}, nil
}

// --- metrics ---

type fakeMetrics struct {
	service.NoopMetrics

	mu    sync.Mutex
	syncs []string
}

func (m *fakeMetrics) SyncCompleted(kind, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncs = append(m.syncs, kind+"/"+outcome)
}

// --- publisher ---

type fakePublisher struct {
	mu     sync.Mutex
	events []service.SyncCompletedEvent
	err    error
}

func (p *fakePublisher) PublishSyncCompleted(_ context.Context, event *service.SyncCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, *event)

	return p.err
}

func (p *fakePublisher) Close() error { return nil }

// --- oauth state store ---

type fakeStateStore struct {
	mu     sync.Mutex
	states map[string]uuid.UUID
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]uuid.UUID)}
}

func (s *fakeStateStore) Save(_ context.Context, state string, userID uuid.UUID, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state] = userID

	return nil
}

func (s *fakeStateStore) Consume(_ context.Context, state string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.states[state]
	if !ok {
		return uuid.Nil, service.ErrStateNotFound
	}
	delete(s.states, state)

	return userID, nil
}
