package impl

import "time"

// IsStale reports whether a cache last synced at lastSyncedAt should be refreshed at now.
// A cache that was never synced is always stale.
func IsStale(lastSyncedAt *time.Time, now time.Time, minInterval time.Duration) bool {
	if lastSyncedAt == nil {
		return true
	}

	return now.Sub(*lastSyncedAt) >= minInterval
}
