// Package retry builds the bounded exponential backoff policies shared by
// every outbound call.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy allows at most attempts calls, starting at initial and doubling,
// and stops early when ctx is done.
func Policy(ctx context.Context, initial time.Duration, attempts int) backoff.BackOff {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs op under Policy, counting attempts. Errors wrapped with
// backoff.Permanent stop the loop and are returned unwrapped.
func Do(ctx context.Context, initial time.Duration, attempts int, op func() error) (int, error) {
	calls := 0
	err := backoff.Retry(func() error {
		calls++
		return op()
	}, Policy(ctx, initial, attempts))
	return calls, err
}
