package cache

import (
	"context"
	"encoding/json"
	"time"

	"calsync/internal/domain/entity"
	"calsync/internal/domain/service"
	"calsync/internal/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisTierName = "redis"

type redisTokenCache struct {
	client    redis.UniversalClient
	keyPrefix string
	opTimeout time.Duration
	now       func() time.Time
}

// NewRedisTokenCache builds the distributed tier.
func NewRedisTokenCache(client redis.UniversalClient, keyPrefix string, opTimeout time.Duration) service.TokenCache {
	return &redisTokenCache{
		client:    client,
		keyPrefix: keyPrefix,
		opTimeout: opTimeout,
		now:       time.Now,
	}
}

func (c *redisTokenCache) Name() string {
	return redisTierName
}

func (c *redisTokenCache) key(userID uuid.UUID) string {
	return c.keyPrefix + ":access_token:" + userID.String()
}

func (c *redisTokenCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *redisTokenCache) Get(ctx context.Context, userID uuid.UUID) (*entity.AccessToken, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, service.ErrCacheMiss
		}

		return nil, errors.Wrap(err, "redis get access token")
	}

	var token entity.AccessToken
	if err := json.Unmarshal(raw, &token); err != nil {
		// A corrupt entry is treated as absent; the next Set overwrites it.
		return nil, service.ErrCacheMiss
	}

	if !token.ValidAt(c.now()) {
		return nil, service.ErrCacheMiss
	}

	return &token, nil
}

func (c *redisTokenCache) Set(ctx context.Context, token *entity.AccessToken) error {
	ttl := token.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(token)
	if err != nil {
		return errors.WithStack(err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Set(ctx, c.key(token.UserID), raw, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set access token")
	}

	return nil
}

func (c *redisTokenCache) Delete(ctx context.Context, userID uuid.UUID) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		return errors.Wrap(err, "redis delete access token")
	}

	return nil
}
