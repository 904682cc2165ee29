package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"price-alert-engine/internal/alerting"
	"price-alert-engine/internal/metrics"
	"price-alert-engine/internal/models"
	"price-alert-engine/internal/storage"
)

// Store is the persistence the dispatcher needs: fires plus the attempts it owns.
type Store interface {
	EnsureAttempt(ctx context.Context, attempt models.DeliveryAttempt) (models.DeliveryAttempt, bool, error)
	UpdateAttempt(ctx context.Context, attempt models.DeliveryAttempt) error
	GetFire(ctx context.Context, id string) (models.FireEvent, error)
	ListUndispatchedFires(ctx context.Context, createdBefore time.Time, limit int) ([]models.FireEvent, error)
	MarkFireDispatched(ctx context.Context, id string, at time.Time) error
}

// RuleSource resolves rules for redelivery.
type RuleSource interface {
	GetRule(ctx context.Context, id string) (models.Rule, error)
}

// RetryScheduler takes over transient failures.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, attempt models.DeliveryAttempt, cause error) (models.DeliveryAttempt, error)
}

// Config tunes fan-out.
type Config struct {
	Concurrency int
	SendTimeout time.Duration
	// ClaimTimeout is the lease put on a fresh attempt while its first send is in flight.
	ClaimTimeout time.Duration
	RecoverBatch int
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Dispatcher fans a fire event out to every channel of its rule.
type Dispatcher struct {
	store    Store
	rules    RuleSource
	registry *alerting.Registry
	retries  RetryScheduler
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds a Dispatcher.
func New(store Store, rules RuleSource, registry *alerting.Registry, retries RetryScheduler, cfg Config) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 2 * time.Minute
	}
	if cfg.RecoverBatch <= 0 {
		cfg.RecoverBatch = 100
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:    store,
		rules:    rules,
		registry: registry,
		retries:  retries,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "dispatcher").Logger(),
		now:      now,
	}
}

// Dispatch creates one attempt per channel, keyed by (fire id, channel id), and sends the
// ones it created. Attempts that already existed are left to the retry scheduler, so a
// repeated dispatch never sends twice. The result follows the rule's channel order.
func (d *Dispatcher) Dispatch(ctx context.Context, fire models.FireEvent, rule models.Rule) ([]models.DeliveryAttempt, error) {
	msg, err := alerting.Render(rule, fire)
	if err != nil {
		return nil, fmt.Errorf("render fire %s: %w", fire.ID, err)
	}

	log := d.logger.With().Str("fire_id", fire.ID).Str("rule_id", rule.ID).Logger()
	results := make([]models.DeliveryAttempt, len(rule.Channels))
	fresh := make([]bool, len(rule.Channels))
	var errs []error

	now := d.now().UTC()
	for i, ch := range rule.Channels {
		attempt, created, err := d.store.EnsureAttempt(ctx, models.DeliveryAttempt{
			FireID:      fire.ID,
			ChannelID:   ch.Key(),
			ChannelKind: ch.Kind,
			Status:      models.StatusPending,
			NextRetryAt: now.Add(d.cfg.ClaimTimeout),
			CreatedAt:   now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Key(), err))
			continue
		}
		results[i] = attempt
		fresh[i] = created
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, ch := range rule.Channels {
		if !fresh[i] {
			continue
		}
		g.Go(func() error {
			results[i] = d.deliver(ctx, ch, results[i], msg)
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		// the fire stays undispatched and is picked up by recovery
		return results, errors.Join(errs...)
	}
	if err := d.store.MarkFireDispatched(ctx, fire.ID, d.now()); err != nil {
		return results, fmt.Errorf("mark fire dispatched: %w", err)
	}
	log.Debug().Int("channels", len(rule.Channels)).Msg("fire dispatched")
	return results, nil
}

// Redeliver re-sends a claimed attempt. It implements the retry scheduler's Handler.
func (d *Dispatcher) Redeliver(ctx context.Context, attempt models.DeliveryAttempt) error {
	if attempt.Terminal() {
		return nil
	}

	fire, err := d.store.GetFire(ctx, attempt.FireID)
	if err != nil {
		return fmt.Errorf("load fire: %w", err)
	}
	rule, err := d.rules.GetRule(ctx, fire.RuleID)
	if errors.Is(err, storage.ErrNotFound) {
		return d.exhaust(ctx, attempt, "rule no longer exists")
	}
	if err != nil {
		return fmt.Errorf("load rule: %w", err)
	}
	target, ok := rule.Channel(attempt.ChannelID)
	if !ok {
		return d.exhaust(ctx, attempt, "channel removed from rule")
	}

	msg, err := alerting.Render(rule, fire)
	if err != nil {
		return fmt.Errorf("render fire %s: %w", fire.ID, err)
	}
	d.deliver(ctx, target, attempt, msg)
	return nil
}

// RecoverFires dispatches fires committed before createdBefore whose fan-out never completed.
func (d *Dispatcher) RecoverFires(ctx context.Context, createdBefore time.Time) error {
	fires, err := d.store.ListUndispatchedFires(ctx, createdBefore, d.cfg.RecoverBatch)
	if err != nil {
		return fmt.Errorf("list undispatched fires: %w", err)
	}

	var errs []error
	for _, fire := range fires {
		rule, err := d.rules.GetRule(ctx, fire.RuleID)
		if errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn().Str("fire_id", fire.ID).Msg("rule gone, dropping undispatched fire")
			if err := d.store.MarkFireDispatched(ctx, fire.ID, d.now()); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load rule for fire %s: %w", fire.ID, err))
			continue
		}

		d.logger.Info().Str("fire_id", fire.ID).Str("rule_id", rule.ID).Msg("recovering undispatched fire")
		metrics.FiresRecovered.Inc()
		if _, err := d.Dispatch(ctx, fire, rule); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deliver performs one send and persists its outcome. Persistence failures are logged: the
// lease on the attempt brings it back, accepting a possible duplicate send.
func (d *Dispatcher) deliver(ctx context.Context, target models.ChannelTarget, attempt models.DeliveryAttempt, msg alerting.Message) models.DeliveryAttempt {
	log := d.logger.With().
		Str("fire_id", attempt.FireID).
		Str("channel", attempt.ChannelID).
		Str("kind", attempt.ChannelKind).
		Logger()

	adapter, err := d.registry.Lookup(target.Kind)
	if err != nil {
		attempt.Status = models.StatusExhausted
		attempt.LastError = err.Error()
		attempt.UpdatedAt = d.now().UTC()
		d.persist(ctx, attempt, log)
		metrics.DeliveriesTotal.WithLabelValues(attempt.ChannelKind, "exhausted").Inc()
		log.Error().Err(err).Msg("no adapter for channel, delivery exhausted")
		return attempt
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	start := time.Now()
	err = adapter.Send(sendCtx, target, msg)
	cancel()
	metrics.DeliveryDuration.WithLabelValues(attempt.ChannelKind).Observe(time.Since(start).Seconds())

	attempt.Attempts++
	attempt.UpdatedAt = d.now().UTC()

	switch {
	case err == nil:
		attempt.Status = models.StatusSent
		attempt.LastError = ""
		d.persist(ctx, attempt, log)
		metrics.DeliveriesTotal.WithLabelValues(attempt.ChannelKind, "sent").Inc()
		log.Info().Int("attempt", attempt.Attempts).Msg("delivery sent")

	case alerting.IsPermanent(err):
		attempt.Status = models.StatusExhausted
		attempt.LastError = err.Error()
		d.persist(ctx, attempt, log)
		metrics.DeliveriesTotal.WithLabelValues(attempt.ChannelKind, "exhausted").Inc()
		log.Warn().Err(err).Msg("permanent delivery failure")

	default:
		metrics.DeliveriesTotal.WithLabelValues(attempt.ChannelKind, "failed").Inc()
		log.Warn().Err(err).Int("attempt", attempt.Attempts).Msg("transient delivery failure")
		next, schedErr := d.retries.ScheduleRetry(ctx, attempt, err)
		if schedErr != nil {
			log.Error().Err(schedErr).Msg("schedule retry failed")
			attempt.LastError = err.Error()
			return attempt
		}
		attempt = next
	}
	return attempt
}

func (d *Dispatcher) exhaust(ctx context.Context, attempt models.DeliveryAttempt, reason string) error {
	attempt.Status = models.StatusExhausted
	attempt.LastError = reason
	attempt.UpdatedAt = d.now().UTC()
	if err := d.store.UpdateAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("exhaust attempt %s: %w", attempt.ID, err)
	}
	metrics.DeliveriesTotal.WithLabelValues(attempt.ChannelKind, "exhausted").Inc()
	d.logger.Warn().Str("attempt_id", attempt.ID).Str("reason", reason).Msg("delivery exhausted")
	return nil
}

func (d *Dispatcher) persist(ctx context.Context, attempt models.DeliveryAttempt, log zerolog.Logger) {
	if err := d.store.UpdateAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Str("status", string(attempt.Status)).Msg("persist delivery outcome failed")
	}
}
