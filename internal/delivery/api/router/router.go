// Package router contains routing and server setup for the HTTP delivery.
package router

import (
	"net/http"

	"calsync/config"
	"calsync/internal/delivery/api/middleware"
	"calsync/internal/delivery/api/router/handler"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

type RouterParams struct {
	fx.In

	CalendarHandler   *handler.CalendarHandler
	ConnectionHandler *handler.ConnectionHandler
	AuthMiddleware    *middleware.AuthMiddleware
	MetricsHandler    http.Handler `name:"metricsHandler"`
	Config            *config.Config
}

// router holds all the handlers that need to be registered.
type router struct {
	calendarHandler   *handler.CalendarHandler
	connectionHandler *handler.ConnectionHandler
	authMiddleware    *middleware.AuthMiddleware
	metricsHandler    http.Handler
	config            *config.Config
}

// NewRouter is the constructor for the Router.
// Fx will inject the required handlers here.
func NewRouter(params RouterParams) *router {
	return &router{
		calendarHandler:   params.CalendarHandler,
		connectionHandler: params.ConnectionHandler,
		authMiddleware:    params.AuthMiddleware,
		metricsHandler:    params.MetricsHandler,
		config:            params.Config,
	}
}

// RegisterRoutes sets up all the API routes for the application.
func (r *router) RegisterRoutes(e *echo.Echo) {
	// Health check endpoint
	e.GET("/health", handler.HealthCheck)

	if r.metricsHandler != nil && r.config.Metrics != nil {
		e.GET(r.config.Metrics.Path, echo.WrapHandler(r.metricsHandler))
	}

	// API v1 routes
	apiV1 := e.Group("/api/v1")
	apiV1.Use(r.authMiddleware.Authenticate) // All API v1 routes require authentication

	calendarGroup := apiV1.Group("/calendar")
	{
		calendarGroup.GET("/events", r.calendarHandler.GetEvents)
		calendarGroup.POST("/sync", r.calendarHandler.TriggerSync)
	}

	// Calendar connection routes
	connectionGroup := calendarGroup.Group("/connection")
	{
		connectionGroup.GET("", r.connectionHandler.GetStatus)
		connectionGroup.POST("", r.connectionHandler.Connect)
		connectionGroup.DELETE("", r.connectionHandler.Disconnect)
		connectionGroup.GET("/authorize", r.connectionHandler.BeginConnect)
		connectionGroup.POST("/callback", r.connectionHandler.CompleteConnect)
	}
}
