package retry

import (
	"math/rand/v2"
	"time"

	"price-alert-engine/internal/models"
)

// Policy bounds delivery retries. MaxAttempts counts every send, the first one included.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	// Jitter returns a value in [0, n); nil uses math/rand.
	Jitter func(n int64) int64
}

// Backoff returns the delay after the n-th failed send (n >= 1):
// min(cap, base*2^(n-1)), half of it fixed and half drawn at random.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n && d < p.Cap; i++ {
		d *= 2
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if d <= 0 {
		return 0
	}

	half := int64(d / 2)
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	if half <= 0 {
		return d
	}
	return time.Duration(half + jitter(half+1))
}

// Next applies a transient failure to an attempt whose Attempts already counts the
// failed send. The attempt becomes exhausted once the budget is spent.
func (p Policy) Next(attempt models.DeliveryAttempt, cause error, now time.Time) models.DeliveryAttempt {
	if cause != nil {
		attempt.LastError = cause.Error()
	}
	attempt.UpdatedAt = now.UTC()
	if attempt.Attempts >= p.MaxAttempts {
		attempt.Status = models.StatusExhausted
		attempt.NextRetryAt = now.UTC()
		return attempt
	}
	attempt.Status = models.StatusFailed
	attempt.NextRetryAt = now.UTC().Add(p.Backoff(attempt.Attempts))
	return attempt
}
