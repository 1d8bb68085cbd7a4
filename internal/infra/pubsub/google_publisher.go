package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"calsync/internal/domain/service"
	"calsync/internal/errors"

	"cloud.google.com/go/pubsub/v2"
	pubsubpb "cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
)

// googlePubSubPublisher implements EventPublisher using Google Cloud Pub/Sub
type googlePubSubPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	logger    *slog.Logger
}

// NewGooglePubSubPublisher creates a new Google Pub/Sub publisher
func NewGooglePubSubPublisher(ctx context.Context, projectID, topicID string, logger *slog.Logger) (service.EventPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// Check if topic exists using TopicAdminClient
	topicPath := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err = client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
		Topic: topicPath,
	})
	if err != nil {
		client.Close()

		return nil, errors.Wrapf(err, "failed to get topic %s", topicID)
	}

	publisher := client.Publisher(topicID)
	// Keeps one user's completions in publish order.
	publisher.EnableMessageOrdering = true

	logger.Info("Google Pub/Sub publisher initialized",
		slog.String("project_id", projectID),
		slog.String("topic_id", topicID),
	)

	return &googlePubSubPublisher{
		client:    client,
		publisher: publisher,
		logger:    logger,
	}, nil
}

// PublishSyncCompleted publishes a sync completion and waits for the server ack.
func (p *googlePubSubPublisher) PublishSyncCompleted(ctx context.Context, event *service.SyncCompletedEvent) error {
	msg, err := syncMessage(event)
	if err != nil {
		return err
	}

	result := p.publisher.Publish(ctx, msg)

	serverID, err := result.Get(ctx)
	if err != nil {
		// An ordering key stays paused after a failure until resumed.
		p.publisher.ResumePublish(event.UserID)

		return errors.WithStack(err)
	}

	p.logger.Debug("[GooglePubSub] Sync completion published",
		slog.String("user_id", event.UserID),
		slog.String("server_id", serverID),
	)

	return nil
}

// Close releases Pub/Sub client resources
func (p *googlePubSubPublisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		return errors.WithStack(p.client.Close())
	}

	return nil
}

// syncMessage keys messages by user so one user's completions arrive in generation order.
func syncMessage(event *service.SyncCompletedEvent) (*pubsub.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &pubsub.Message{
		Data:        data,
		Attributes:  syncAttributes(event),
		OrderingKey: event.UserID,
	}, nil
}

// syncAttributes are the message attributes subscribers filter on.
func syncAttributes(event *service.SyncCompletedEvent) map[string]string {
	attributes := map[string]string{
		"event_type":    eventTypeSyncCompleted,
		"user_id":       event.UserID,
		"generation":    strconv.FormatInt(event.Generation, 10),
		"was_full_sync": strconv.FormatBool(event.WasFullSync),
	}
	if event.RequestID != "" {
		attributes["request_id"] = event.RequestID
	}

	return attributes
}
