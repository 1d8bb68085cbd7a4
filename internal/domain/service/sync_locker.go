package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrLockNotAcquired is returned when another sync holds the user's lock.
var ErrLockNotAcquired = errors.New("sync lock held by another worker")

// SyncLocker provides the per-user mutual exclusion for syncs.
type SyncLocker interface {
	// Acquire waits up to wait for the user's lock. A zero wait tries once.
	// The returned release function is safe to call more than once.
	Acquire(ctx context.Context, userID uuid.UUID, wait time.Duration) (release func(), err error)
}
