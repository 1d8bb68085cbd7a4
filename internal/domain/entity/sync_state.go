package entity

import (
	"time"

	"github.com/google/uuid"
)

// SyncState tracks incremental sync progress for one user.
// A nil SyncCursor means the next sync must be a full sync.
type SyncState struct {
	UserID       uuid.UUID
	SyncCursor   *string
	LastSyncedAt *time.Time
	Generation   int64
}

// NeedsFullSync reports whether no usable cursor is stored.
func (s *SyncState) NeedsFullSync() bool {
	return s == nil || s.SyncCursor == nil || *s.SyncCursor == ""
}

// SyncResult summarizes the changes a sync applied to the event cache.
type SyncResult struct {
	Added       int   `json:"added"`
	Updated     int   `json:"updated"`
	Deleted     int   `json:"deleted"`
	WasFullSync bool  `json:"was_full_sync"`
	Generation  int64 `json:"generation"`
}

// ConnectionStatus describes a user's calendar link.
type ConnectionStatus struct {
	Connected    bool       `json:"connected"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	Generation   int64      `json:"generation"`
}
