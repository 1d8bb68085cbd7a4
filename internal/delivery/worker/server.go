package worker

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"calsync/config"
	"calsync/internal/delivery"
	"calsync/internal/delivery/middleware"
	"calsync/internal/delivery/worker/handler"
	"calsync/internal/domain/lifecycle"
	"calsync/internal/errors"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
)

// PushPath receives calendar.sync.requested messages from the push subscription.
const PushPath = "/push"

type workerServer struct {
	cfg    *config.Config
	logger *slog.Logger
	server *echo.Echo
}

// ServerParams holds dependencies for the sync worker server
type ServerParams struct {
	fx.In

	Lc             fx.Lifecycle
	Cfg            *config.Config
	Logger         *slog.Logger
	PushHandler    *handler.PushHandler
	MetricsHandler http.Handler `name:"metricsHandler" optional:"true"`
}

// NewServer creates the sync worker's HTTP server
func NewServer(params ServerParams) (delivery.Delivery, error) {
	srv := &workerServer{
		cfg:    params.Cfg,
		logger: params.Logger,
		server: newEcho(params),
	}

	params.Lc.Append(fx.Hook{
		OnStop: srv.stop,
	})

	return srv, nil
}

func newEcho(params ServerParams) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// A sync may run up to the configured timeout before the push is answered.
	e.Server.ReadHeaderTimeout = params.Cfg.HTTP.Timeouts.ReadHeaderTimeout
	e.Server.IdleTimeout = params.Cfg.HTTP.Timeouts.IdleTimeout

	e.Use(
		middleware.NewRecover(params.Logger),
		middleware.NewRequestIDMiddleware(params.Logger).Process,
		middleware.NewLoggerMiddleware(params.Logger, params.Cfg).Handle,
		echomiddleware.BodyLimit(params.Cfg.HTTP.MaxRequestBodySize),
	)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.MetricsHandler != nil && params.Cfg.Metrics != nil && params.Cfg.Metrics.Path != "" {
		e.GET(params.Cfg.Metrics.Path, echo.WrapHandler(params.MetricsHandler))
	}
	e.POST(PushPath, params.PushHandler.HandlePush)

	return e
}

// Serve starts the worker HTTP server
func (s *workerServer) Serve(_ context.Context) error {
	hostPort := net.JoinHostPort("0.0.0.0", strconv.Itoa(s.cfg.HTTP.Port))
	s.logger.Info("Starting sync worker HTTP server", slog.String("host_port", hostPort), slog.String("push_path", PushPath))
	if err := s.server.Start(hostPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WithStack(err)
	}

	return nil
}

// stop drains in-flight pushes; an interrupted sync is redelivered by Pub/Sub.
func (s *workerServer) stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, lifecycle.DefaultTimeout)
	defer cancel()

	s.logger.Info("Shutting down sync worker HTTP server")

	return errors.WithStack(s.server.Shutdown(shutdownCtx))
}
