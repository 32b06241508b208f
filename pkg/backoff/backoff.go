// Package backoff holds the retry schedules shared by the outbox and inbox
// processors: the deterministic per-message schedule persisted as the next
// retry time, and the jittered loop schedule used when a whole tick fails.
package backoff

import (
	"context"
	"math"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
// Negative attempts count as zero.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}
	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// NextRetryAt schedules the retry that follows a failure on a message that
// had already failed retryCount times.
func NextRetryAt(now time.Time, base time.Duration, retryCount int) time.Time {
	return now.Add(Exponential(base, retryCount))
}

// Loop is the jittered backoff a processor loop applies between failed ticks.
type Loop struct {
	b *cbackoff.ExponentialBackOff
}

// NewLoop builds a loop backoff starting at interval and capped at max.
func NewLoop(interval, max time.Duration) *Loop {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	b.Reset()
	return &Loop{b: b}
}

// Next returns the delay to apply after another failed tick.
func (l *Loop) Next() time.Duration {
	return l.b.NextBackOff()
}

// Reset returns the schedule to its initial interval after a good tick.
func (l *Loop) Reset() {
	l.b.Reset()
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
