package lock

import (
	"log/slog"

	"calsync/config"
	"calsync/internal/domain/service"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// Params holds dependencies for the sync locker, injected by Fx
type Params struct {
	fx.In

	Config *config.Config
	Logger *slog.Logger
	Redis  *redis.Client `optional:"true"`
}

// New picks the Redis lease when Redis is configured and the in-process mutex otherwise.
func New(params Params) service.SyncLocker {
	if params.Redis == nil {
		params.Logger.Info("Using in-process sync lock")

		return NewLocalLocker()
	}

	return NewRedisLocker(params.Redis, params.Config.Redis.KeyPrefix, params.Config.Sync.LockTTL, params.Logger)
}
