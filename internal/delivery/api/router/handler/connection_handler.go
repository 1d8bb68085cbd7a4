package handler

import (
	"log/slog"
	"net/http"

	"calsync/internal/delivery/api/middleware"
	"calsync/internal/delivery/api/response"
	"calsync/internal/delivery/api/validator"
	"calsync/internal/usecase"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

// ConnectionHandlerParams holds dependencies for ConnectionHandler, injected by Fx.
type ConnectionHandlerParams struct {
	fx.In

	ConnectionUC usecase.ConnectionUsecase
	Logger       *slog.Logger
}

// ConnectionHandler manages the user's calendar link
type ConnectionHandler struct {
	connectionUC usecase.ConnectionUsecase
	logger       *slog.Logger
}

// NewConnectionHandler is the constructor for ConnectionHandler
func NewConnectionHandler(params ConnectionHandlerParams) *ConnectionHandler {
	return &ConnectionHandler{
		connectionUC: params.ConnectionUC,
		logger:       params.Logger,
	}
}

// CompleteConnectRequest carries the consent redirect parameters
type CompleteConnectRequest struct {
	Code  string `json:"code" validate:"required"`
	State string `json:"state" validate:"required"`
}

// ConnectRequest carries a refresh credential obtained by another client
type ConnectRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// GetStatus handles GET /calendar/connection
func (h *ConnectionHandler) GetStatus(c echo.Context) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "INVALID_TOKEN", "Invalid user ID in token")
	}

	status, err := h.connectionUC.Status(c.Request().Context(), userID)
	if err != nil {
		return response.HandleAppError(c, err)
	}

	return response.Success(c, http.StatusOK, status)
}

// BeginConnect handles GET /calendar/connection/authorize
func (h *ConnectionHandler) BeginConnect(c echo.Context) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "INVALID_TOKEN", "Invalid user ID in token")
	}

	authURL, err := h.connectionUC.BeginConnect(c.Request().Context(), userID)
	if err != nil {
		return response.HandleAppError(c, err)
	}

	return response.Success(c, http.StatusOK, map[string]string{"authorizationUrl": authURL})
}

// CompleteConnect handles POST /calendar/connection/callback
func (h *ConnectionHandler) CompleteConnect(c echo.Context) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "INVALID_TOKEN", "Invalid user ID in token")
	}

	var req CompleteConnectRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "INVALID_INPUT", "Invalid callback input")
	}
	if err := c.Validate(&req); err != nil {
		return response.BadRequestWithDetails(c, "VALIDATION_ERROR", "Invalid callback input", validator.FieldErrors(err))
	}

	status, err := h.connectionUC.CompleteConnect(c.Request().Context(), userID, req.Code, req.State)
	if err != nil {
		return response.HandleAppError(c, err)
	}

	return response.Success(c, http.StatusCreated, status)
}

// Connect handles POST /calendar/connection
func (h *ConnectionHandler) Connect(c echo.Context) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "INVALID_TOKEN", "Invalid user ID in token")
	}

	var req ConnectRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "INVALID_INPUT", "Invalid connection input")
	}
	if err := c.Validate(&req); err != nil {
		return response.BadRequestWithDetails(c, "VALIDATION_ERROR", "Invalid connection input", validator.FieldErrors(err))
	}

	status, err := h.connectionUC.ConnectWithRefreshToken(c.Request().Context(), userID, req.RefreshToken)
	if err != nil {
		return response.HandleAppError(c, err)
	}

	return response.Success(c, http.StatusCreated, status)
}

// Disconnect handles DELETE /calendar/connection
func (h *ConnectionHandler) Disconnect(c echo.Context) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "INVALID_TOKEN", "Invalid user ID in token")
	}

	if err := h.connectionUC.Disconnect(c.Request().Context(), userID); err != nil {
		return response.HandleAppError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}
