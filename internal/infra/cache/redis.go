// Package cache provides the access token cache tiers and the shared Redis client.
package cache

import (
	"context"
	"log/slog"

	"calsync/config"
	"calsync/internal/domain/lifecycle"
	"calsync/internal/errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// RedisParams defines the required parameters
type RedisParams struct {
	fx.In
	fx.Lifecycle

	Config *config.Config
	Logger *slog.Logger
}

// NewRedisClient returns nil when no address is configured.
// An unreachable server at startup is logged, not fatal: callers fall back to local state.
func NewRedisClient(params RedisParams) *redis.Client {
	cfg := params.Config.Redis
	if cfg == nil || cfg.Addr == "" {
		params.Logger.Info("Redis not configured, distributed cache and locks disabled")

		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	params.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			ctx, cancel := context.WithTimeout(startCtx, lifecycle.DefaultTimeout)
			defer cancel()

			if err := client.Ping(ctx).Err(); err != nil {
				params.Logger.Warn("Redis unreachable at startup", slog.String("addr", cfg.Addr), slog.Any("error", err))
			}

			return nil
		},
		OnStop: func(_ context.Context) error {
			return errors.WithStack(client.Close())
		},
	})

	return client
}
