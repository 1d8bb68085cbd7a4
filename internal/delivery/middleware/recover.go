package middleware

import (
	"log/slog"

	deliverycontext "calsync/internal/delivery/context"
	"calsync/internal/errors"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
)

// NewRecover turns handler panics into 500 responses and logs the stack through slog
// instead of echo's own logger.
func NewRecover(logger *slog.Logger) echo.MiddlewareFunc {
	return echomiddleware.RecoverWithConfig(echomiddleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			req := c.Request()
			deliverycontext.GetLoggerOrDefault(req.Context(), logger).Error("Recovered from panic",
				slog.String("method", req.Method),
				slog.String("uri", req.URL.Path),
				slog.Any("error", err),
				slog.String("stack", string(stack)),
			)

			return errors.WithStack(err)
		},
	})
}
