package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc evaluates one tick. bucket is the aligned start of the tick.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune the evaluation cadence.
type Options struct {
	Interval time.Duration
	// AlignToStart snaps ticks to multiples of Interval (e.g. :00, :01 for one minute).
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately fires one tick right after the startup delay instead of waiting a full interval.
	RunImmediately bool
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Scheduler drives the periodic evaluation tick.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger(), now: now}
}

// Interval returns the configured cadence.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Run blocks, invoking tick on every interval until ctx is cancelled. A tick that
// overruns its interval causes the missed ticks to be skipped, never queued.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunImmediately {
		s.execute(ctx, tick, s.bucketStart(s.now().UTC()))
	}

	next := s.NextTick(s.now().UTC())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			skipped := int(-delay/s.opts.Interval) + 1
			next = s.NextTick(s.now().UTC())
			delay = next.Sub(s.now())
			s.logger.Warn().Int("skipped", skipped).Time("next_bucket", next).Msg("tick overran interval, skipping missed ticks")
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.execute(ctx, tick, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, bucket time.Time) {
	s.logger.Debug().Time("bucket", bucket).Msg("executing scheduled tick")
	if err := tick(ctx, bucket); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
	}
}

// NextTick returns the first tick strictly after now.
func (s *Scheduler) NextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
