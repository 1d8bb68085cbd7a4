package cache

import (
	"context"
	"sync"
	"time"

	"calsync/internal/domain/service"
	"calsync/internal/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type redisStateStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStateStore keeps consent states in Redis so any instance can finish the flow.
func NewRedisStateStore(client redis.UniversalClient, keyPrefix string) service.OAuthStateStore {
	return &redisStateStore{client: client, keyPrefix: keyPrefix}
}

func (s *redisStateStore) key(state string) string {
	return s.keyPrefix + ":oauth_state:" + state
}

func (s *redisStateStore) Save(ctx context.Context, state string, userID uuid.UUID, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(state), userID.String(), ttl).Err(); err != nil {
		return errors.Wrap(err, "persist oauth state")
	}

	return nil
}

func (s *redisStateStore) Consume(ctx context.Context, state string) (uuid.UUID, error) {
	raw, err := s.client.GetDel(ctx, s.key(state)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, service.ErrStateNotFound
		}

		return uuid.Nil, errors.Wrap(err, "load oauth state")
	}

	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, service.ErrStateNotFound
	}

	return userID, nil
}

type memoryState struct {
	userID    uuid.UUID
	expiresAt time.Time
}

type memoryStateStore struct {
	mu     sync.Mutex
	states map[string]memoryState
	now    func() time.Time
}

// NewMemoryStateStore keeps consent states in process; used when Redis is not configured.
func NewMemoryStateStore() service.OAuthStateStore {
	return &memoryStateStore{states: make(map[string]memoryState), now: time.Now}
}

func (s *memoryStateStore) Save(_ context.Context, state string, userID uuid.UUID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, entry := range s.states {
		if now.After(entry.expiresAt) {
			delete(s.states, key)
		}
	}
	s.states[state] = memoryState{userID: userID, expiresAt: now.Add(ttl)}

	return nil
}

func (s *memoryStateStore) Consume(_ context.Context, state string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.states[state]
	if !ok {
		return uuid.Nil, service.ErrStateNotFound
	}
	delete(s.states, state)

	if s.now().After(entry.expiresAt) {
		return uuid.Nil, service.ErrStateNotFound
	}

	return entry.userID, nil
}

// NewStateStore picks Redis when configured.
func NewStateStore(params TierParams) service.OAuthStateStore {
	if params.Redis == nil {
		return NewMemoryStateStore()
	}

	return NewRedisStateStore(params.Redis, params.Config.Redis.KeyPrefix)
}
