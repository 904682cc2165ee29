package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"price-alert-engine/internal/models"
)

func noJitter(int64) int64 { return 0 }
func fullJitter(n int64) int64 { return n - 1 }

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: 30 * time.Second, Cap: 30 * time.Minute, Jitter: fullJitter}

	want := []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
		30 * time.Minute,
		30 * time.Minute,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Backoff(i+1), "attempt %d", i+1)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := Policy{Base: 30 * time.Second, Cap: 30 * time.Minute, Jitter: noJitter}
	assert.Equal(t, 15*time.Second, p.Backoff(1), "lower bound is half the delay")

	p.Jitter = nil
	for i := 0; i < 200; i++ {
		d := p.Backoff(3)
		assert.GreaterOrEqual(t, d, time.Minute)
		assert.LessOrEqual(t, d, 2*time.Minute)
	}
}

func TestNextSchedulesOrExhausts(t *testing.T) {
	p := Policy{MaxAttempts: 3, Base: 10 * time.Second, Cap: time.Minute, Jitter: fullJitter}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cause := errors.New("timeout")

	a := models.DeliveryAttempt{ID: "a", Status: models.StatusPending, Attempts: 1}
	next := p.Next(a, cause, now)
	assert.Equal(t, models.StatusFailed, next.Status)
	assert.Equal(t, now.Add(10*time.Second), next.NextRetryAt)
	assert.Equal(t, "timeout", next.LastError)

	a.Attempts = 2
	assert.Equal(t, now.Add(20*time.Second), p.Next(a, cause, now).NextRetryAt)

	a.Attempts = 3
	assert.Equal(t, models.StatusExhausted, p.Next(a, cause, now).Status)
}
