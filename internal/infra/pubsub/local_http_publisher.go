package pubsub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"calsync/internal/domain/service"
	"calsync/internal/errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	localPublishTimeout = 10 * time.Second
	localRetryInterval  = 200 * time.Millisecond
	localMaxRetries     = 2
	headerRequestID     = "X-Request-Id"
	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"
)

// localHTTPPublisher delivers SyncCompleted events straight to a push endpoint in the
// envelope Google Pub/Sub uses, so consumers can be developed without the emulator.
type localHTTPPublisher struct {
	endpoint      string
	httpClient    *http.Client
	logger        *slog.Logger
	retryInterval time.Duration
}

// PubSubPushMessage represents the structure of a Pub/Sub push message
type PubSubPushMessage struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes,omitempty"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// NewLocalHTTPPublisher creates a new local HTTP publisher for development
func NewLocalHTTPPublisher(endpoint string, logger *slog.Logger) service.EventPublisher {
	return &localHTTPPublisher{
		endpoint:      endpoint,
		httpClient:    &http.Client{Timeout: localPublishTimeout},
		logger:        logger,
		retryInterval: localRetryInterval,
	}
}

// PublishSyncCompleted posts the event wrapped in a push envelope. Like real push delivery,
// 5xx answers and transport failures are retried; any other non-2xx answer is final.
func (p *localHTTPPublisher) PublishSyncCompleted(ctx context.Context, event *service.SyncCompletedEvent) error {
	body, err := pushEnvelope(event, time.Now())
	if err != nil {
		return err
	}

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++

		return p.post(ctx, body, event.RequestID)
	}, p.backOff(ctx))
	if err != nil {
		return errors.Wrapf(err, "deliver sync completion after %d attempt(s)", attempts)
	}

	p.logger.Debug("[LocalPubSub] Sync completion delivered",
		slog.String("endpoint", p.endpoint),
		slog.String("user_id", event.UserID),
		slog.Int("attempts", attempts),
	)

	return nil
}

func (p *localHTTPPublisher) backOff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.retryInterval

	return backoff.WithContext(backoff.WithMaxRetries(expo, localMaxRetries), ctx)
}

func (p *localHTTPPublisher) post(ctx context.Context, body []byte, requestID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errors.WithStack(err))
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)
	if requestID != "" {
		req.Header.Set(headerRequestID, requestID)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return errors.Errorf("push endpoint returned non-success status: %d", resp.StatusCode)
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return backoff.Permanent(errors.Errorf("push endpoint returned non-success status: %d", resp.StatusCode))
	default:
		return nil
	}
}

func pushEnvelope(event *service.SyncCompletedEvent, publishedAt time.Time) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	msg := PubSubPushMessage{Subscription: localSubscription}
	msg.Message.Data = base64.StdEncoding.EncodeToString(data)
	msg.Message.MessageID = uuid.NewString()
	msg.Message.PublishTime = publishedAt.UTC().Format(time.RFC3339Nano)
	msg.Message.Attributes = syncAttributes(event)

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return body, nil
}

// Close releases resources (no-op for HTTP client)
func (p *localHTTPPublisher) Close() error {
	return nil
}
