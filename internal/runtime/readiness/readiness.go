// Package readiness retries operations that fail because their topic,
// queue or stream has not been provisioned yet.
package readiness

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/courier/transport"
)

// MaxDelayUnits caps the delay between two attempts.
const MaxDelayUnits = 300

// Delay returns the wait before retry attempt (1-based): min(1.5*attempt, 300) units.
func Delay(unit time.Duration, attempt int) time.Duration {
	units := 1.5 * float64(attempt)
	if units > MaxDelayUnits {
		units = MaxDelayUnits
	}
	return time.Duration(units * float64(unit))
}

// Backoff is a backoff.BackOff yielding Delay for consecutive attempts.
type Backoff struct {
	Unit    time.Duration
	attempt int
}

// NewBackoff returns a Backoff measured in unit.
func NewBackoff(unit time.Duration) *Backoff {
	return &Backoff{Unit: unit}
}

// Reset restarts the attempt count.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// NextBackOff returns the delay before the next attempt.
func (b *Backoff) NextBackOff() time.Duration {
	b.attempt++
	return Delay(b.Unit, b.attempt)
}

// Policy controls whether and how an operation waits for its topic.
type Policy struct {
	// Wait enables retrying on transport.ErrTopicNotReady. Without it the
	// operation runs exactly once.
	Wait bool
	// Unit is the time unit of the delay schedule.
	Unit time.Duration
	// Notify is called before every retry.
	Notify func(attempt int, err error, next time.Duration)
}

// Do runs op, retrying it for as long as it reports a missing topic and the
// policy allows waiting. Any other failure is returned immediately.
func Do[T any](ctx context.Context, policy Policy, op func() (T, error)) (T, error) {
	if !policy.Wait {
		return op()
	}

	attempt := 0
	operation := func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, transport.ErrTopicNotReady) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(NewBackoff(policy.Unit)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			attempt++
			if policy.Notify != nil {
				policy.Notify(attempt, err, next)
			}
		}),
	)
}
