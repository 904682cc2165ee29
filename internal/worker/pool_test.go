package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunIsolatesFailures(t *testing.T) {
	pool := NewPool(Config{Workers: 3, Logger: zerolog.Nop()})
	boom := errors.New("boom")

	var ran atomic.Int32
	jobs := []Job{
		{Key: "ok-1", Run: func(context.Context) error { ran.Add(1); return nil }},
		{Key: "fail", Run: func(context.Context) error { ran.Add(1); return boom }},
		{Key: "panic", Run: func(context.Context) error { ran.Add(1); panic("bad rule") }},
		{Key: "ok-2", Run: func(context.Context) error { ran.Add(1); return nil }},
	}

	errs := pool.Run(context.Background(), jobs)
	require.Len(t, errs, 4)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.ErrorContains(t, errs[2], "panicked")
	assert.NoError(t, errs[3])
	assert.Equal(t, int32(4), ran.Load())

	stats := pool.Stats()
	assert.Equal(t, uint64(2), stats.Processed)
	assert.Equal(t, uint64(2), stats.Failed)
}

func TestPoolRunBoundsConcurrency(t *testing.T) {
	pool := NewPool(Config{Workers: 2, Logger: zerolog.Nop()})

	var inFlight, peak atomic.Int32
	jobs := make([]Job, 8)
	for i := range jobs {
		jobs[i] = Job{Key: "j", Run: func(context.Context) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}}
	}

	pool.Run(context.Background(), jobs)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolRunCancelled(t *testing.T) {
	pool := NewPool(Config{Workers: 1, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := pool.Run(ctx, []Job{{Key: "a", Run: func(context.Context) error { return nil }}})
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestNewPoolDefaults(t *testing.T) {
	assert.Equal(t, 4, NewPool(Config{}).Workers())
	assert.Empty(t, NewPool(Config{}).Run(context.Background(), nil))
}
