package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calsync/config"
	"calsync/internal/delivery/api/middleware"
	"calsync/internal/delivery/api/router"
	"calsync/internal/delivery/api/router/handler"
	"calsync/internal/domain/entity"
	domainerrors "calsync/internal/domain/errors"
	"calsync/internal/infra/auth"
	"calsync/internal/usecase"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCalendarUsecase struct {
	mock.Mock
}

func (m *mockCalendarUsecase) GetEvents(ctx context.Context, userID uuid.UUID, query usecase.EventQuery) ([]*entity.CachedEvent, error) {
	args := m.Called(ctx, userID, query)
	events, _ := args.Get(0).([]*entity.CachedEvent)

	return events, args.Error(1)
}

func (m *mockCalendarUsecase) TriggerSync(ctx context.Context, userID uuid.UUID, forceFull bool) (*entity.SyncResult, error) {
	args := m.Called(ctx, userID, forceFull)
	result, _ := args.Get(0).(*entity.SyncResult)

	return result, args.Error(1)
}

type mockConnectionUsecase struct {
	mock.Mock
}

func (m *mockConnectionUsecase) BeginConnect(ctx context.Context, userID uuid.UUID) (string, error) {
	args := m.Called(ctx, userID)

	return args.String(0), args.Error(1)
}

func (m *mockConnectionUsecase) CompleteConnect(ctx context.Context, userID uuid.UUID, code, state string) (*entity.ConnectionStatus, error) {
	args := m.Called(ctx, userID, code, state)
	status, _ := args.Get(0).(*entity.ConnectionStatus)

	return status, args.Error(1)
}

func (m *mockConnectionUsecase) ConnectWithRefreshToken(ctx context.Context, userID uuid.UUID, refreshToken string) (*entity.ConnectionStatus, error) {
	args := m.Called(ctx, userID, refreshToken)
	status, _ := args.Get(0).(*entity.ConnectionStatus)

	return status, args.Error(1)
}

func (m *mockConnectionUsecase) Disconnect(ctx context.Context, userID uuid.UUID) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockConnectionUsecase) Status(ctx context.Context, userID uuid.UUID) (*entity.ConnectionStatus, error) {
	args := m.Called(ctx, userID)
	status, _ := args.Get(0).(*entity.ConnectionStatus)

	return status, args.Error(1)
}

type apiFixture struct {
	echo       *echo.Echo
	calendar   *mockCalendarUsecase
	connection *mockConnectionUsecase
	userID     uuid.UUID
	bearer     string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.HTTP.MaxRequestBodySize = "100KB"
	cfg.HTTP.CORSAllowOrigins = []string{"http://localhost:3000"}
	cfg.SecretKey.Access = "test-access-secret"
	cfg.Metrics = &config.MetricsConfig{Enabled: true, Path: "/metrics"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokenSvc, err := auth.NewJWTService(cfg)
	require.NoError(t, err)

	f := &apiFixture{
		calendar:   &mockCalendarUsecase{},
		connection: &mockConnectionUsecase{},
		userID:     uuid.New(),
	}
	f.bearer, err = jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": f.userID.String(),
		"exp": time.Now().Add(15 * time.Minute).Unix(),
	}).SignedString([]byte(cfg.SecretKey.Access))
	require.NoError(t, err)

	f.echo = newEcho(ServerParams{
		Cfg:    cfg,
		Logger: logger,
		RouterParams: router.RouterParams{
			CalendarHandler:   handler.NewCalendarHandler(handler.CalendarHandlerParams{CalendarUC: f.calendar, Logger: logger}),
			ConnectionHandler: handler.NewConnectionHandler(handler.ConnectionHandlerParams{ConnectionUC: f.connection, Logger: logger}),
			AuthMiddleware:    middleware.NewAuthMiddleware(middleware.AuthMiddlewareParams{TokenService: tokenSvc, Logger: logger}),
			MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, "calsync_up 1\n")
			}),
			Config: cfg,
		},
	})

	t.Cleanup(func() {
		f.calendar.AssertExpectations(t)
		f.connection.AssertExpectations(t)
	})

	return f
}

func (f *apiFixture) do(method, target, body string, authenticated bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if authenticated {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+f.bearer)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)

	return body.Error
}

func TestAPI_PublicRoutes(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = f.do(http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "calsync_up 1")
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/calendar/events", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "MISSING_TOKEN", decodeError(t, rec)["code"])

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calendar/events", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", decodeError(t, rec)["code"])
}

func TestAPI_GetEventsPassesWindow(t *testing.T) {
	f := newAPIFixture(t)
	timeMin := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	timeMax := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	events := []*entity.CachedEvent{{ProviderEventID: "e1", Title: "Standup", StartTime: timeMin, EndTime: timeMin.Add(15 * time.Minute)}}

	f.calendar.On("GetEvents", mock.Anything, f.userID, mock.MatchedBy(func(q usecase.EventQuery) bool {
		return q.TimeMin.Equal(timeMin) && q.TimeMax.Equal(timeMax) && q.Limit == 10
	})).Return(events, nil).Once()

	rec := f.do(http.MethodGet, "/api/v1/calendar/events?timeMin=2026-03-02T09:00:00Z&timeMax=2026-03-02T18:00:00Z&limit=10", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []map[string]any `json:"data"`
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "e1", body.Data[0]["id"])
	assert.Equal(t, "Standup", body.Data[0]["title"])
	assert.Equal(t, 1, body.Meta.Count)
}

func TestAPI_GetEventsRejectsMalformedQuery(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/calendar/events?timeMin=yesterday&limit=-3", "", true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	details, ok := decodeError(t, rec)["details"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, details, "timeMin")
	assert.Contains(t, details, "limit")
}

func TestAPI_GetEventsMapsDomainErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{name: "invalid window", err: domainerrors.ErrInvalidTimeWindow.WrapMessage("end before start"), status: http.StatusBadRequest, code: "INVALID_TIME_WINDOW"},
		{name: "reauthorization", err: domainerrors.ErrReauthorizationRequired, status: http.StatusForbidden, code: "REAUTHORIZATION_REQUIRED"},
		{name: "upstream", err: domainerrors.ErrTransientUpstream.WrapMessage("503"), status: http.StatusServiceUnavailable, code: "UPSTREAM_UNAVAILABLE", retryAfter: "30"},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.calendar.On("GetEvents", mock.Anything, f.userID, mock.Anything).Return(nil, tt.err).Once()

			rec := f.do(http.MethodGet, "/api/v1/calendar/events", "", true)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec)["code"])
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestAPI_TriggerSync(t *testing.T) {
	f := newAPIFixture(t)
	f.calendar.On("TriggerSync", mock.Anything, f.userID, true).
		Return(&entity.SyncResult{Added: 2, WasFullSync: true, Generation: 3}, nil).Once()

	rec := f.do(http.MethodPost, "/api/v1/calendar/sync", `{"forceFull":true}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"was_full_sync":true`)

	f.calendar.On("TriggerSync", mock.Anything, f.userID, false).
		Return(nil, domainerrors.ErrSyncInProgress).Once()

	rec = f.do(http.MethodPost, "/api/v1/calendar/sync", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))
}

func TestAPI_ConnectionLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	connectedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	f.connection.On("BeginConnect", mock.Anything, f.userID).
		Return("https://accounts.google.com/o/oauth2/auth?state=abc", nil).Once()
	rec := f.do(http.MethodGet, "/api/v1/calendar/connection/authorize", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "authorizationUrl")

	f.connection.On("CompleteConnect", mock.Anything, f.userID, "code-1", "abc").
		Return(&entity.ConnectionStatus{Connected: true, ConnectedAt: &connectedAt}, nil).Once()
	rec = f.do(http.MethodPost, "/api/v1/calendar/connection/callback", `{"code":"code-1","state":"abc"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	f.connection.On("Status", mock.Anything, f.userID).
		Return(&entity.ConnectionStatus{Connected: true, ConnectedAt: &connectedAt, Generation: 1}, nil).Once()
	rec = f.do(http.MethodGet, "/api/v1/calendar/connection", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":true`)

	f.connection.On("Disconnect", mock.Anything, f.userID).Return(nil).Once()
	rec = f.do(http.MethodDelete, "/api/v1/calendar/connection", "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAPI_ConnectValidatesBody(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/calendar/connection", `{}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	details, ok := decodeError(t, rec)["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "required", details["refreshToken"])

	f.connection.On("ConnectWithRefreshToken", mock.Anything, f.userID, "1//refresh").
		Return(&entity.ConnectionStatus{Connected: true}, nil).Once()
	rec = f.do(http.MethodPost, "/api/v1/calendar/connection", `{"refreshToken":"1//refresh"}`, true)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAPI_CORSPreflightForConfiguredOrigin(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/calendar/events", nil)
	req.Header.Set(echo.HeaderOrigin, "http://localhost:3000")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodGet)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(echo.HeaderOrigin, "https://elsewhere.example")
	rec = httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}
