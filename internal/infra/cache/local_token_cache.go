package cache

import (
	"context"
	"time"

	"calsync/internal/domain/entity"
	"calsync/internal/domain/service"
	"calsync/internal/errors"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
)

const localTierName = "local"

type localTokenCache struct {
	store *ristretto.Cache
	now   func() time.Time
}

// NewLocalTokenCache builds the in-process tier holding at most maxEntries tokens.
func NewLocalTokenCache(maxEntries int64) (service.TokenCache, error) {
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local token cache")
	}

	return &localTokenCache{store: store, now: time.Now}, nil
}

func (c *localTokenCache) Name() string {
	return localTierName
}

func (c *localTokenCache) Get(_ context.Context, userID uuid.UUID) (*entity.AccessToken, error) {
	value, ok := c.store.Get(userID.String())
	if !ok {
		return nil, service.ErrCacheMiss
	}

	token, ok := value.(*entity.AccessToken)
	if !ok || !token.ValidAt(c.now()) {
		return nil, service.ErrCacheMiss
	}

	return token, nil
}

func (c *localTokenCache) Set(_ context.Context, token *entity.AccessToken) error {
	ttl := token.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}

	stored := *token
	c.store.SetWithTTL(token.UserID.String(), &stored, 1, ttl)
	// Make the write visible to the next Get.
	c.store.Wait()

	return nil
}

func (c *localTokenCache) Delete(_ context.Context, userID uuid.UUID) error {
	c.store.Del(userID.String())
	c.store.Wait()

	return nil
}
