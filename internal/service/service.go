package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"price-alert-engine/internal/config"
	"price-alert-engine/internal/evaluator"
	"price-alert-engine/internal/fetcher"
	"price-alert-engine/internal/metrics"
	"price-alert-engine/internal/models"
	"price-alert-engine/internal/scheduler"
	"price-alert-engine/internal/storage"
	"price-alert-engine/internal/worker"
)

// Evaluator applies a quote to a rule's durable state.
type Evaluator interface {
	Evaluate(ctx context.Context, rule models.Rule, quote models.Quote) (*models.FireEvent, error)
}

// Dispatcher fans a committed fire out to the rule's channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, fire models.FireEvent, rule models.Rule) ([]models.DeliveryAttempt, error)
}

// TickStats summarises one evaluation tick.
type TickStats struct {
	Rules     int
	Symbols   int
	Skipped   int
	Evaluated int
	Stale     int
	Fired     int
	Failed    int
}

// Service drives the evaluation tick: quotes in, fires out.
type Service struct {
	scheduler  *scheduler.Scheduler
	rules      storage.RuleStore
	prices     fetcher.PriceSource
	evaluator  Evaluator
	dispatcher Dispatcher
	pool       *worker.Pool
	logger     zerolog.Logger

	quoteTimeout time.Duration
	locker       storage.AdvisoryLocker
	lockKey      int64
	onTick       func(bucket time.Time, stats TickStats)
}

// New constructs the evaluation service.
func New(cfg *config.Config, sched *scheduler.Scheduler, rules storage.RuleStore, prices fetcher.PriceSource, eval Evaluator, dispatcher Dispatcher, pool *worker.Pool, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := rules.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:    sched,
		rules:        rules,
		prices:       prices,
		evaluator:    eval,
		dispatcher:   dispatcher,
		pool:         pool,
		logger:       logger.With().Str("component", "service").Logger(),
		quoteTimeout: cfg.Evaluator.QuoteTimeout,
		locker:       locker,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
	}
}

// OnTick registers a hook called after every completed tick.
func (s *Service) OnTick(fn func(bucket time.Time, stats TickStats)) { s.onTick = fn }

// Run begins the evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick evaluates every active rule once. It only fails when the tick could not
// start at all; per-symbol and per-rule failures are logged and counted.
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	_, err := s.Tick(ctx, bucket)
	return err
}

// Tick is ProcessTick with its statistics.
func (s *Service) Tick(ctx context.Context, bucket time.Time) (TickStats, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return TickStats{}, err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return TickStats{}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := time.Now()
	stats, err := s.executeTick(ctx, bucket)
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return stats, err
	}

	pool := s.pool.Stats()
	s.logger.Info().Time("bucket", bucket).
		Int("rules", stats.Rules).
		Int("symbols", stats.Symbols).
		Int("skipped", stats.Skipped).
		Int("evaluated", stats.Evaluated).
		Int("stale", stats.Stale).
		Int("fired", stats.Fired).
		Int("failed", stats.Failed).
		Int("workers", s.pool.Workers()).
		Uint64("jobs_processed", pool.Processed).
		Uint64("jobs_failed", pool.Failed).
		Dur("took", time.Since(start)).
		Msg("tick complete")
	if s.onTick != nil {
		s.onTick(bucket, stats)
	}
	return stats, nil
}

func (s *Service) executeTick(ctx context.Context, bucket time.Time) (TickStats, error) {
	rules, err := s.rules.ListActiveRules(ctx)
	if err != nil {
		return TickStats{}, fmt.Errorf("list active rules: %w", err)
	}
	stats := TickStats{Rules: len(rules)}
	if len(rules) == 0 {
		return stats, nil
	}

	bySymbol := make(map[string][]models.Rule)
	for _, r := range rules {
		bySymbol[r.Symbol] = append(bySymbol[r.Symbol], r)
	}
	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	stats.Symbols = len(symbols)

	quotes := s.fetchQuotes(ctx, symbols)

	var jobs []worker.Job
	var mu sync.Mutex
	for _, sym := range symbols {
		quote, ok := quotes[sym]
		if !ok {
			stats.Skipped += len(bySymbol[sym])
			continue
		}
		for _, rule := range bySymbol[sym] {
			jobs = append(jobs, worker.Job{
				Key: rule.ID,
				Run: func(ctx context.Context) error {
					fired, err := s.evaluateRule(ctx, rule, quote)
					if err == nil {
						mu.Lock()
						if fired {
							stats.Fired++
						}
						mu.Unlock()
					}
					return err
				},
			})
		}
	}

	for _, err := range s.pool.Run(ctx, jobs) {
		switch {
		case err == nil:
			stats.Evaluated++
		case errors.Is(err, evaluator.ErrStaleQuote):
			stats.Stale++
		case errors.Is(err, evaluator.ErrRuleInactive):
			stats.Skipped++
		default:
			stats.Failed++
		}
	}
	return stats, nil
}

// fetchQuotes gets one quote per symbol. Symbols whose source fails are left out.
func (s *Service) fetchQuotes(ctx context.Context, symbols []string) map[string]models.Quote {
	quotes := make(map[string]models.Quote, len(symbols))
	var mu sync.Mutex

	jobs := make([]worker.Job, len(symbols))
	for i, sym := range symbols {
		jobs[i] = worker.Job{
			Key: "quote:" + sym,
			Run: func(ctx context.Context) error {
				qctx, cancel := s.quoteContext(ctx)
				defer cancel()
				q, err := s.prices.Quote(qctx, sym)
				if err != nil {
					return err
				}
				mu.Lock()
				quotes[sym] = q
				mu.Unlock()
				return nil
			},
		}
	}

	for i, err := range s.pool.Run(ctx, jobs) {
		if err == nil {
			continue
		}
		sym := symbols[i]
		metrics.QuoteFetchErrors.WithLabelValues(s.sourceName(sym), fetcher.Reason(err)).Inc()
		event := s.logger.Warn()
		if !fetcher.Skippable(err) {
			event = s.logger.Error()
		}
		event.Err(err).Str("symbol", sym).Msg("quote unavailable, skipping symbol this tick")
	}
	return quotes
}

func (s *Service) evaluateRule(ctx context.Context, rule models.Rule, quote models.Quote) (bool, error) {
	fire, err := s.evaluator.Evaluate(ctx, rule, quote)
	if err != nil {
		if !errors.Is(err, evaluator.ErrStaleQuote) {
			s.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("rule evaluation failed")
		}
		return false, err
	}
	if fire == nil {
		return false, nil
	}

	// the fire is committed; a failed fan-out is finished by recovery
	if _, err := s.dispatcher.Dispatch(ctx, *fire, rule); err != nil {
		s.logger.Error().Err(err).Str("rule_id", rule.ID).Str("fire_id", fire.ID).Msg("dispatch incomplete")
	}
	return true, nil
}

func (s *Service) quoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.quoteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.quoteTimeout)
}

func (s *Service) sourceName(symbol string) string {
	if n, ok := s.prices.(interface{ Name(string) string }); ok {
		return n.Name(symbol)
	}
	return "default"
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
