package entity

import (
	"time"

	"github.com/google/uuid"
)

// DefaultEventTitle is used when the provider returns an event without a summary.
const DefaultEventTitle = "Untitled Event"

// CachedEvent is the local copy of a remote calendar event.
type CachedEvent struct {
	UserID             uuid.UUID  `json:"-"`
	ProviderEventID    string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            time.Time  `json:"end_time"`
	Location           string     `json:"location,omitempty"`
	AttendeeCount      *int       `json:"attendee_count,omitempty"`
	ETag               string     `json:"-"`
	LastSeenGeneration int64      `json:"-"`
	SyncedAt           time.Time  `json:"synced_at"`
	UpdatedAt          *time.Time `json:"-"`
}

// SameContent reports whether two cached copies carry identical remote fields.
func (e *CachedEvent) SameContent(other *CachedEvent) bool {
	if e == nil || other == nil {
		return false
	}
	if e.ETag != "" && e.ETag == other.ETag {
		return true
	}

	return e.Title == other.Title &&
		e.Description == other.Description &&
		e.Location == other.Location &&
		e.StartTime.Equal(other.StartTime) &&
		e.EndTime.Equal(other.EndTime) &&
		equalIntPtr(e.AttendeeCount, other.AttendeeCount)
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// RemoteEvent is an event as reported by the calendar provider.
type RemoteEvent struct {
	ID            string
	ETag          string
	Cancelled     bool
	AllDay        bool // Date-only events carry no start/end instant.
	Title         string
	Description   string
	Location      string
	Start         time.Time
	End           time.Time
	AttendeeCount *int
}

// TimeWindow selects cached events overlapping [Start, End].
type TimeWindow struct {
	Start time.Time
	End   time.Time
	Limit int
}
