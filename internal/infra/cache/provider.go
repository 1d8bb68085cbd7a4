package cache

import (
	"log/slog"

	"calsync/config"
	"calsync/internal/domain/service"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// TierParams holds dependencies for the token cache tiers, injected by Fx
type TierParams struct {
	fx.In

	Config *config.Config
	Logger *slog.Logger
	Redis  *redis.Client `optional:"true"`
}

// NewDistributedTier returns nil when Redis is not configured.
func NewDistributedTier(params TierParams) service.TokenCache {
	if params.Redis == nil {
		return nil
	}

	return NewRedisTokenCache(params.Redis, params.Config.Redis.KeyPrefix, params.Config.Redis.OpTimeout)
}

// NewLocalTier builds the in-process fallback tier.
func NewLocalTier(params TierParams) (service.TokenCache, error) {
	return NewLocalTokenCache(params.Config.TokenCache.LocalMaxEntries)
}

// Module provides the Redis client, both token tiers and the consent state store.
//
//nolint:gochecknoglobals
var Module = fx.Options(
	fx.Provide(
		NewRedisClient,
		fx.Annotate(NewDistributedTier, fx.ResultTags(`name:"distributedTokenCache"`)),
		fx.Annotate(NewLocalTier, fx.ResultTags(`name:"localTokenCache"`)),
		NewStateStore,
	),
)
