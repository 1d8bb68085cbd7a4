package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"calsync/config"
	deliverycontext "calsync/internal/delivery/context"
	"calsync/internal/domain/entity"
	domainerrors "calsync/internal/domain/errors"
	"calsync/internal/errors"
	"calsync/internal/usecase"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"google.golang.org/api/idtoken"
)

const (
	envDevelop             = "develop"
	pubSubProviderGoogle   = "google"
	eventTypeSyncRequested = "calendar.sync.requested"
)

// PubSubMessage represents the structure of a Pub/Sub push message
type PubSubMessage struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes,omitempty"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// SyncRequest asks the worker to sync one user's calendar
type SyncRequest struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id"`
	ForceFull bool   `json:"force_full"`
}

// PushHandler runs calendar syncs requested through Pub/Sub push messages
type PushHandler struct {
	verifyPushAuth bool
	audience       string
	logger         *slog.Logger
	syncUC         usecase.SyncUsecase
	verify         func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

// PushHandlerParams holds dependencies for the PushHandler
type PushHandlerParams struct {
	fx.In

	Config *config.Config
	Logger *slog.Logger
	SyncUC usecase.SyncUsecase
}

// NewPushHandler creates a new Pub/Sub push handler
func NewPushHandler(params PushHandlerParams) *PushHandler {
	cfg := params.Config.PubSub
	// Push requests are signed only when delivered by Google outside local development
	verifyPushAuth := cfg != nil &&
		cfg.Provider == pubSubProviderGoogle &&
		params.Config.Env.Env != envDevelop

	audience := ""
	if cfg != nil {
		audience = cfg.PushAudience
	}

	return &PushHandler{
		verifyPushAuth: verifyPushAuth,
		audience:       audience,
		logger:         params.Logger,
		syncUC:         params.SyncUC,
		verify:         idtoken.Validate,
	}
}

// HandlePush handles incoming Pub/Sub push messages.
// Non-2xx responses make Pub/Sub redeliver, so only retryable failures return one.
func (h *PushHandler) HandlePush(c echo.Context) error {
	ctx := c.Request().Context()

	if h.verifyPushAuth {
		if err := h.verifyPubSubToken(c.Request()); err != nil {
			h.logger.Warn("[Worker] Invalid Pub/Sub token", slog.Any("error", err))

			return c.NoContent(http.StatusUnauthorized)
		}
	}

	var pushMsg PubSubMessage
	if err := c.Bind(&pushMsg); err != nil {
		h.logger.Error("[Worker] Failed to parse push message", slog.Any("error", err))

		return c.NoContent(http.StatusBadRequest)
	}

	if eventType := pushMsg.Message.Attributes["event_type"]; eventType != "" && eventType != eventTypeSyncRequested {
		h.logger.Debug("[Worker] Ignoring message", slog.String("event_type", eventType))

		return c.NoContent(http.StatusNoContent)
	}

	data, err := base64.StdEncoding.DecodeString(pushMsg.Message.Data)
	if err != nil {
		h.logger.Error("[Worker] Failed to decode message data", slog.Any("error", err))

		return c.NoContent(http.StatusBadRequest)
	}

	var request SyncRequest
	if err := json.Unmarshal(data, &request); err != nil {
		h.logger.Error("[Worker] Failed to parse sync request", slog.Any("error", err))

		return c.NoContent(http.StatusBadRequest)
	}

	userID, err := uuid.Parse(request.UserID)
	if err != nil {
		// Redelivery would never succeed; acknowledge and drop.
		h.logger.Warn("[Worker] Sync request without a valid user", slog.String("user_id", request.UserID))

		return c.NoContent(http.StatusNoContent)
	}

	requestID := h.extractRequestID(ctx, &pushMsg, &request)
	ctx = deliverycontext.WithRequestScope(ctx, h.logger, requestID)
	ctx = deliverycontext.WithUserAttr(ctx, h.logger, userID)
	reqLogger := deliverycontext.GetLoggerOrDefault(ctx, h.logger)

	reqLogger.Info("[Worker] Processing sync request",
		slog.String("message_id", pushMsg.Message.MessageID),
		slog.Bool("force_full", request.ForceFull),
	)

	result, err := h.runSync(ctx, userID, request.ForceFull)
	if err != nil {
		retryable := isRetryable(err)
		reqLogger.Error("[Worker] Sync request failed",
			slog.Any("error", err),
			slog.Bool("retryable", retryable),
		)
		if retryable {
			return c.NoContent(http.StatusServiceUnavailable)
		}

		return c.NoContent(http.StatusOK)
	}

	if result == nil {
		reqLogger.Info("[Worker] Sync already running elsewhere, acknowledging")

		return c.NoContent(http.StatusOK)
	}

	reqLogger.Info("[Worker] Sync request completed",
		slog.Bool("was_full_sync", result.WasFullSync),
		slog.Int("added", result.Added),
		slog.Int("updated", result.Updated),
		slog.Int("deleted", result.Deleted),
	)

	return c.NoContent(http.StatusOK)
}

// runSync returns a nil result when another holder of the user's lock is already syncing.
func (h *PushHandler) runSync(ctx context.Context, userID uuid.UUID, forceFull bool) (*entity.SyncResult, error) {
	var result *entity.SyncResult
	var err error
	if forceFull {
		result, err = h.syncUC.Sync(ctx, userID, true)
	} else {
		result, err = h.syncUC.TrySync(ctx, userID)
	}

	if errors.Is(err, domainerrors.ErrSyncInProgress) {
		return nil, nil
	}

	return result, err
}

// extractRequestID extracts request_id from message attributes, the payload, or generates a new one
func (h *PushHandler) extractRequestID(ctx context.Context, pushMsg *PubSubMessage, request *SyncRequest) string {
	if requestID, ok := pushMsg.Message.Attributes["request_id"]; ok && requestID != "" {
		return requestID
	}
	if request.RequestID != "" {
		return request.RequestID
	}
	if requestID := deliverycontext.GetRequestIDFromContext(ctx); requestID != "" {
		return requestID
	}

	return uuid.New().String()
}

// isRetryable reports whether Pub/Sub should redeliver after err.
// Missing or revoked grants and bad input never heal by themselves.
func isRetryable(err error) bool {
	return !errors.IsAny(err,
		domainerrors.ErrReauthorizationRequired,
		domainerrors.ErrCredentialIntegrity,
		domainerrors.ErrValidationFailed,
	)
}

// verifyPubSubToken verifies the OIDC token Google attaches to push requests
// Reference: https://cloud.google.com/pubsub/docs/push#authenticating_standard_push_requests
func (h *PushHandler) verifyPubSubToken(req *http.Request) error {
	authHeader := req.Header.Get("Authorization")
	if authHeader == "" {
		return errors.New("missing authorization header")
	}

	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return errors.New("invalid authorization header format")
	}

	audience := h.audience
	if audience == "" {
		scheme := "https"
		if req.TLS == nil {
			scheme = "http"
		}
		audience = fmt.Sprintf("%s://%s%s", scheme, req.Host, req.URL.Path)
	}

	payload, err := h.verify(req.Context(), token, audience)
	if err != nil {
		return errors.Wrap(err, "failed to validate token")
	}

	if payload.Issuer != "accounts.google.com" && payload.Issuer != "https://accounts.google.com" {
		return errors.Errorf("invalid issuer: %s", payload.Issuer)
	}

	if emailVerified, ok := payload.Claims["email_verified"].(bool); ok && !emailVerified {
		return errors.New("email not verified")
	}

	return nil
}
