// Package lock implements the per-user sync lock.
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"calsync/internal/domain/service"
	"calsync/internal/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRetryInterval = 50 * time.Millisecond

// releaseScript deletes the lease only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client        redis.UniversalClient
	keyPrefix     string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewRedisLocker returns a lease-based lock shared by every instance using the same Redis.
// The lease expires after ttl so a crashed holder cannot block a user forever.
func NewRedisLocker(client redis.UniversalClient, keyPrefix string, ttl time.Duration, logger *slog.Logger) service.SyncLocker {
	return &redisLocker{
		client:        client,
		keyPrefix:     keyPrefix,
		ttl:           ttl,
		retryInterval: defaultRetryInterval,
		logger:        logger,
	}
}

func (l *redisLocker) key(userID uuid.UUID) string {
	return l.keyPrefix + ":sync_lock:" + userID.String()
}

func (l *redisLocker) Acquire(ctx context.Context, userID uuid.UUID, wait time.Duration) (func(), error) {
	key := l.key(userID)
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis acquire sync lock")
		}
		if ok {
			return l.releaser(key, token), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, service.ErrLockNotAcquired
		}

		timer := time.NewTimer(min(l.retryInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, errors.WithStack(ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *redisLocker) releaser(key, token string) func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			// Release must succeed even when the sync's context is already done.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			deleted, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
			switch {
			case err != nil:
				// The user stays locked until the lease expires.
				l.logger.Warn("Failed to release sync lock",
					slog.String("key", key),
					slog.Duration("lease", l.ttl),
					slog.Any("error", err),
				)
			case deleted == 0:
				l.logger.Warn("Sync lock lease expired before release", slog.String("key", key))
			}
		})
	}
}
