package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BadgerOps/resurrect/internal/provider"
)

// RetryPolicy bounds the exponential backoff applied to transient provider errors.
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// retryTransient runs fn until it succeeds, fails with a non-transient error,
// or the policy's attempts are used up. It returns the number of attempts made
// and the last error.
func retryTransient[T any](ctx context.Context, policy RetryPolicy, op string, logger *slog.Logger, fn func() (T, error)) (T, int, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && !provider.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		providerRetries.WithLabelValues(op).Inc()
		logger.Warn("transient provider error, retrying", "op", op, "attempt", attempts, "wait", wait, "error", err)
	}

	v, err := backoff.RetryNotifyWithData(operation, policy.backOff(ctx), notify)
	return v, attempts, err
}
