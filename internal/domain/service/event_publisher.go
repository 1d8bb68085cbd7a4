package service

import (
	"context"
	"time"
)

// SyncCompletedEvent is emitted after a sync commits.
type SyncCompletedEvent struct {
	RequestID   string    `json:"request_id,omitempty"` // For distributed tracing
	UserID      string    `json:"user_id"`
	Generation  int64     `json:"generation"`
	Added       int       `json:"added"`
	Updated     int       `json:"updated"`
	Deleted     int       `json:"deleted"`
	WasFullSync bool      `json:"was_full_sync"`
	SyncedAt    time.Time `json:"synced_at"`
}

// EventPublisher defines the interface for publishing events to a message queue
type EventPublisher interface {
	// PublishSyncCompleted notifies downstream consumers that a user's cache changed
	PublishSyncCompleted(ctx context.Context, event *SyncCompletedEvent) error

	// Close releases any resources held by the publisher
	Close() error
}
