package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"calsync/internal/delivery/api/middleware"
	"calsync/internal/delivery/api/response"
	"calsync/internal/usecase"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

// CalendarHandlerParams holds dependencies for CalendarHandler, injected by Fx.
type CalendarHandlerParams struct {
	fx.In

	CalendarUC usecase.CalendarUsecase
	Logger     *slog.Logger
}

// CalendarHandler serves cached events and explicit sync requests
type CalendarHandler struct {
	calendarUC usecase.CalendarUsecase
	logger     *slog.Logger
}

// NewCalendarHandler is the constructor for CalendarHandler
func NewCalendarHandler(params CalendarHandlerParams) *CalendarHandler {
	return &CalendarHandler{
		calendarUC: params.CalendarUC,
		logger:     params.Logger,
	}
}

// TriggerSyncRequest represents the optional body of a sync request
type TriggerSyncRequest struct {
	ForceFull bool `json:"forceFull"`
}

// GetEvents handles GET /calendar/events?timeMin&timeMax&limit
func (h *CalendarHandler) GetEvents(c echo.Context) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "INVALID_TOKEN", "Invalid user ID in token")
	}

	query, details := parseEventQuery(c)
	if details != nil {
		return response.BadRequestWithDetails(c, "INVALID_QUERY", "Invalid event query", details)
	}

	events, err := h.calendarUC.GetEvents(c.Request().Context(), userID, query)
	if err != nil {
		return response.HandleAppError(c, err)
	}

	return response.List(c, events)
}

// TriggerSync handles POST /calendar/sync and waits for the sync to finish
func (h *CalendarHandler) TriggerSync(c echo.Context) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "INVALID_TOKEN", "Invalid user ID in token")
	}

	var req TriggerSyncRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "INVALID_INPUT", "Invalid sync request")
	}

	result, err := h.calendarUC.TriggerSync(c.Request().Context(), userID, req.ForceFull)
	if err != nil {
		return response.HandleAppError(c, err)
	}

	return response.Success(c, http.StatusOK, result)
}

// parseEventQuery reads RFC 3339 bounds and the page limit. Invalid fields are reported by name.
func parseEventQuery(c echo.Context) (usecase.EventQuery, map[string]string) {
	var query usecase.EventQuery
	details := map[string]string{}

	for param, dest := range map[string]**time.Time{"timeMin": &query.TimeMin, "timeMax": &query.TimeMax} {
		raw := c.QueryParam(param)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			details[param] = "must be an RFC 3339 timestamp"

			continue
		}
		*dest = &parsed
	}

	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			details["limit"] = "must be a positive integer"
		} else {
			query.Limit = limit
		}
	}

	if len(details) > 0 {
		return query, details
	}

	return query, nil
}
