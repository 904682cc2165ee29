package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"price-alert-engine/internal/metrics"
	"price-alert-engine/internal/models"
)

// Store is the slice of the delivery store the scheduler needs.
type Store interface {
	UpdateAttempt(ctx context.Context, attempt models.DeliveryAttempt) error
	ClaimDueAttempts(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]models.DeliveryAttempt, error)
}

// Handler re-sends claimed work. The dispatcher implements it.
type Handler interface {
	Redeliver(ctx context.Context, attempt models.DeliveryAttempt) error
	RecoverFires(ctx context.Context, createdBefore time.Time) error
}

// Config tunes the background retry loop.
type Config struct {
	Policy       Policy
	PollInterval time.Duration
	BatchSize    int
	// Lease is how long a claimed attempt stays invisible to other claimers.
	Lease       time.Duration
	Concurrency int
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Scheduler persists retry decisions and drives due attempts back through a Handler.
type Scheduler struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a Scheduler.
func New(store Store, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "retry_scheduler").Logger(),
		now:    now,
	}
}

// ScheduleRetry records a transient failure: the attempt is re-queued with backoff or,
// once its budget is spent, marked exhausted.
func (s *Scheduler) ScheduleRetry(ctx context.Context, attempt models.DeliveryAttempt, cause error) (models.DeliveryAttempt, error) {
	next := s.cfg.Policy.Next(attempt, cause, s.now())
	if err := s.store.UpdateAttempt(ctx, next); err != nil {
		return attempt, fmt.Errorf("schedule retry: %w", err)
	}

	log := s.logger.With().
		Str("attempt_id", next.ID).
		Str("fire_id", next.FireID).
		Str("channel", next.ChannelID).
		Int("attempt", next.Attempts).
		Logger()
	if next.Status == models.StatusExhausted {
		metrics.DeliveriesTotal.WithLabelValues(next.ChannelKind, "exhausted").Inc()
		log.Warn().Str("last_error", next.LastError).Msg("delivery exhausted")
	} else {
		log.Info().Time("next_retry_at", next.NextRetryAt).Msg("delivery retry scheduled")
	}
	return next, nil
}

// RunOnce recovers interrupted fan-outs, then claims and redelivers one batch of due attempts.
func (s *Scheduler) RunOnce(ctx context.Context, h Handler) (int, error) {
	now := s.now()

	if err := h.RecoverFires(ctx, now.Add(-s.cfg.Lease)); err != nil {
		s.logger.Error().Err(err).Msg("recover undispatched fires failed")
	}

	due, err := s.store.ClaimDueAttempts(ctx, now, s.cfg.Lease, s.cfg.Policy.MaxAttempts, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due attempts: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	metrics.RetriesClaimed.Add(float64(len(due)))
	s.logger.Debug().Int("due", len(due)).Msg("redelivering due attempts")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, attempt := range due {
		g.Go(func() error {
			if err := h.Redeliver(gctx, attempt); err != nil {
				// the lease makes the attempt due again; keep the batch going
				s.logger.Error().Err(err).
					Str("attempt_id", attempt.ID).
					Str("channel", attempt.ChannelID).
					Msg("redeliver failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}

// Run polls until ctx is cancelled. It runs independently of the evaluation cadence.
func (s *Scheduler) Run(ctx context.Context, h Handler) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Int("max_attempts", s.cfg.Policy.MaxAttempts).
		Msg("retry scheduler started")

	for {
		if _, err := s.RunOnce(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("retry pass failed")
		}

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("retry scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
