package main

import (
	"context"
	"log/slog"
	"os"

	"calsync/config"
	"calsync/internal/delivery"
	"calsync/internal/delivery/worker"
	"calsync/internal/delivery/worker/handler"
	"calsync/internal/infra/auth/google"
	"calsync/internal/infra/cache"
	googlecalendar "calsync/internal/infra/calendar/google"
	"calsync/internal/infra/lock"
	logs "calsync/internal/infra/log"
	"calsync/internal/infra/metrics"
	"calsync/internal/infra/persistence/postgres"
	"calsync/internal/infra/pubsub"
	"calsync/internal/infra/vault"
	"calsync/internal/usecase/impl"

	"go.uber.org/fx"
)

type startServerParams struct {
	fx.In
	fx.Lifecycle
	fx.Shutdowner

	Logger     *slog.Logger
	Deliveries []delivery.Delivery `group:"deliveries"`
}

func main() {
	fx.New(
		injectInfra(),
		injectRepo(),
		injectService(),
		injectHandler(),
		injectDelivery(),
		fx.Invoke(
			startServer,
		),
	).Run()
}

func injectInfra() fx.Option {
	return fx.Options(
		fx.Provide(
			config.New,
			logs.New,
			context.Background,
			postgres.New,
			vault.New,
			lock.New,
		),
		cache.Module,
		pubsub.Module,
		metrics.Module,
	)
}

func injectRepo() fx.Option {
	return fx.Options(
		fx.Provide(
			postgres.NewTransactionManager,
		),
	)
}

func injectService() fx.Option {
	return fx.Options(
		fx.Provide(
			google.NewOAuthService,
			googlecalendar.NewCalendarClient,
			impl.NewTokenService,
			impl.NewSyncService,
		),
	)
}

func injectHandler() fx.Option {
	return fx.Options(
		fx.Provide(
			handler.NewPushHandler,
		),
	)
}

func injectDelivery() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				worker.NewServer,
				fx.ResultTags(`group:"deliveries"`),
			),
		),
	)
}

// startServer runs every delivery; the first one that fails takes the process down
// through fx so the OnStop hooks still run.
func startServer(ctx context.Context, params startServerParams) {
	for _, delivery := range params.Deliveries {
		go func() {
			err := delivery.Serve(ctx)
			if err == nil {
				return
			}
			params.Logger.Error("Server stopped unexpectedly", slog.Any("error", err))

			if shutdownErr := params.Shutdown(fx.ExitCode(1)); shutdownErr != nil {
				params.Logger.Error("Failed to shutdown gracefully", slog.Any("error", shutdownErr))
				os.Exit(1)
			}
		}()
	}
}
