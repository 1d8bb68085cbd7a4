package pubsub

import (
	"context"
	"log/slog"

	"calsync/config"
	"calsync/internal/domain/lifecycle"
	"calsync/internal/domain/service"
	"calsync/internal/errors"

	"go.uber.org/fx"
)

const (
	providerLocal  = "local"
	providerGoogle = "google"

	eventTypeSyncCompleted = "calendar.sync.completed"
	localSubscription      = "projects/local/subscriptions/calendar-sync-sub"
)

// noopPublisher drops SyncCompleted events when no provider is configured.
type noopPublisher struct {
	logger *slog.Logger
}

func (p *noopPublisher) PublishSyncCompleted(_ context.Context, event *service.SyncCompletedEvent) error {
	p.logger.Debug("[NoopPubSub] Sync completion not published", slog.String("user_id", event.UserID))

	return nil
}

func (p *noopPublisher) Close() error {
	return nil
}

// PublisherParams holds dependencies for EventPublisher, injected by Fx
type PublisherParams struct {
	fx.In

	Lc     fx.Lifecycle
	Config *config.Config
	Logger *slog.Logger
}

// NewEventPublisher picks the SyncCompleted publisher named by pubsub.provider.
// An empty provider disables publishing.
func NewEventPublisher(params PublisherParams) (service.EventPublisher, error) {
	cfg := params.Config.PubSub
	logger := params.Logger

	if cfg == nil || cfg.Provider == "" {
		logger.Info("PubSub not configured, sync completions are not published")

		return &noopPublisher{logger: logger}, nil
	}
	if err := validatePublisherConfig(cfg); err != nil {
		return nil, err
	}

	var publisher service.EventPublisher
	switch cfg.Provider {
	case providerLocal:
		logger.Info("Publishing sync completions to local endpoint", slog.String("endpoint", cfg.LocalEndpoint))
		publisher = NewLocalHTTPPublisher(cfg.LocalEndpoint, logger)
	case providerGoogle:
		logger.Info("Publishing sync completions to Google Pub/Sub",
			slog.String("project_id", cfg.ProjectID),
			slog.String("topic_id", cfg.TopicID),
		)

		ctx, cancel := context.WithTimeout(context.Background(), lifecycle.DefaultTimeout)
		defer cancel()

		var err error
		if publisher, err = NewGooglePubSubPublisher(ctx, cfg.ProjectID, cfg.TopicID, logger); err != nil {
			return nil, err
		}
	}

	params.Lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			logger.Info("Closing EventPublisher")

			return publisher.Close()
		},
	})

	return publisher, nil
}

func validatePublisherConfig(cfg *config.PubSubConfig) error {
	switch cfg.Provider {
	case providerLocal:
		if cfg.LocalEndpoint == "" {
			return errors.New("pubsub.localEndpoint is required for the local provider")
		}
	case providerGoogle:
		if cfg.ProjectID == "" || cfg.TopicID == "" {
			return errors.New("pubsub.projectId and pubsub.topicId are required for the google provider")
		}
	default:
		return errors.Errorf("unknown pubsub provider: %s", cfg.Provider)
	}

	return nil
}

// Module provides the Pub/Sub FX module
//
//nolint:gochecknoglobals
var Module = fx.Options(
	fx.Provide(NewEventPublisher),
)
