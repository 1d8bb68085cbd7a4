// Package context carries per-request values (request id and a logger scoped to the
// request and, once authenticated, the user) through echo handlers, usecases and the
// sync worker.
package context

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type scopeKey int

const (
	requestIDKey scopeKey = iota
	loggerKey
)

const (
	// HeaderXRequestID is the HTTP header name for request ID.
	HeaderXRequestID = "X-Request-Id"

	echoRequestIDKey = "request_id"
)

// GetRequestID returns the id the request-id middleware assigned, falling back to the
// request context and finally to a fresh id.
func GetRequestID(c echo.Context) string {
	if id, ok := c.Get(echoRequestIDKey).(string); ok && id != "" {
		return id
	}
	if id := GetRequestIDFromContext(c.Request().Context()); id != "" {
		return id
	}

	return uuid.NewString()
}

// SetRequestID sets the request ID in echo.Context.
func SetRequestID(c echo.Context, requestID string) {
	c.Set(echoRequestIDKey, requestID)
}

// GetRequestIDFromContext returns the request id, or "" outside a request.
// Sync completions published from background syncs carry the id of the read that started them.
func GetRequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)

	return id
}

// WithRequestID returns a new context with the request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetLoggerOrDefault returns the request-scoped logger, or fallback when none is set.
func GetLoggerOrDefault(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
		return logger
	}

	return fallback
}

// WithLogger returns a new context with the logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestScope stores the request ID and a child logger tagged with it.
func WithRequestScope(ctx context.Context, logger *slog.Logger, requestID string) context.Context {
	ctx = WithRequestID(ctx, requestID)

	return WithLogger(ctx, logger.With(slog.String("request_id", requestID)))
}

// WithUserAttr tags the request-scoped logger with the authenticated user.
func WithUserAttr(ctx context.Context, fallback *slog.Logger, userID uuid.UUID) context.Context {
	logger := GetLoggerOrDefault(ctx, fallback)

	return WithLogger(ctx, logger.With(slog.String("user_id", userID.String())))
}
