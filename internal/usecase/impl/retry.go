package impl

import (
	"context"
	"time"

	"calsync/internal/domain/service"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// retryPolicy bounds retries of upstream calls that failed transiently.
type retryPolicy struct {
	maxAttempts int
	initial     time.Duration
}

// do runs op until it succeeds, fails permanently, or the attempts are used up.
// Only errors wrapping service.ErrUpstreamUnavailable are retried.
func (p retryPolicy) do(ctx context.Context, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.initial
	expo.MaxElapsedTime = 0

	attempts := max(p.maxAttempts, 1)
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, service.ErrUpstreamUnavailable) {
			return err
		}

		return backoff.Permanent(err)
	}, policy)
}
