package lock

import (
	"context"
	"sync"
	"time"

	"calsync/internal/domain/service"
	"calsync/internal/errors"

	"github.com/google/uuid"
)

type localLocker struct {
	mu    sync.Mutex
	slots map[uuid.UUID]chan struct{}
}

// NewLocalLocker returns an in-process keyed mutex, used when Redis is not configured.
func NewLocalLocker() service.SyncLocker {
	return &localLocker{slots: make(map[uuid.UUID]chan struct{})}
}

func (l *localLocker) slot(userID uuid.UUID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[userID] = ch
	}

	return ch
}

func (l *localLocker) Acquire(ctx context.Context, userID uuid.UUID, wait time.Duration) (func(), error) {
	ch := l.slot(userID)

	select {
	case ch <- struct{}{}:
		return l.releaser(ch), nil
	default:
	}

	if wait <= 0 {
		return nil, service.ErrLockNotAcquired
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return l.releaser(ch), nil
	case <-timer.C:
		return nil, service.ErrLockNotAcquired
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

func (l *localLocker) releaser(ch chan struct{}) func() {
	var once sync.Once

	return func() {
		once.Do(func() { <-ch })
	}
}
