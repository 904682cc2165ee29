package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"price-alert-engine/internal/metrics"
	"price-alert-engine/internal/models"
	"price-alert-engine/internal/storage"
)

// EngineConfig tunes the stateful evaluator.
type EngineConfig struct {
	DefaultCooldown time.Duration
	ConflictRetries int
	NewID           IDFunc
	Logger          zerolog.Logger
}

// Engine runs Evaluate against durable state: load, decide, conditional commit.
type Engine struct {
	states          storage.StateStore
	defaultCooldown time.Duration
	conflictRetries int
	newID           IDFunc
	logger          zerolog.Logger
	locks           keyedMutex
}

// NewEngine builds an Engine on top of a StateStore.
func NewEngine(states storage.StateStore, cfg EngineConfig) *Engine {
	if cfg.NewID == nil {
		cfg.NewID = NewFireID
	}
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}
	return &Engine{
		states:          states,
		defaultCooldown: cfg.DefaultCooldown,
		conflictRetries: cfg.ConflictRetries,
		newID:           cfg.NewID,
		logger:          cfg.Logger.With().Str("component", "evaluator").Logger(),
		locks:           keyedMutex{locks: make(map[string]*keyedLock)},
	}
}

// NewFireID returns a time-ordered UUID.
func NewFireID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// CooldownFor resolves the effective cooldown of a rule.
func CooldownFor(rule models.Rule, fallback time.Duration) time.Duration {
	if rule.Cooldown != nil {
		return *rule.Cooldown
	}
	return fallback
}

// Preload reads the stored state of every rule. Any failure is fatal for the caller:
// evaluating against a defaulted state could fire on a crossing that was already reported.
func (e *Engine) Preload(ctx context.Context, rules []models.Rule) error {
	for _, rule := range rules {
		if _, err := e.states.LoadState(ctx, rule.ID); err != nil {
			return fmt.Errorf("load state for rule %s: %w", rule.ID, err)
		}
	}
	e.logger.Info().Int("rules", len(rules)).Msg("evaluation state preloaded")
	return nil
}

// Evaluate applies one quote to a rule and commits the result. It returns the committed
// fire event, or nil when the quote did not produce one.
func (e *Engine) Evaluate(ctx context.Context, rule models.Rule, quote models.Quote) (*models.FireEvent, error) {
	unlock := e.locks.lock(rule.ID)
	defer unlock()

	cooldown := CooldownFor(rule, e.defaultCooldown)
	log := e.logger.With().Str("rule_id", rule.ID).Str("symbol", rule.Symbol).Logger()

	for attempt := 0; attempt <= e.conflictRetries; attempt++ {
		state, err := e.states.LoadState(ctx, rule.ID)
		if err != nil {
			metrics.EvaluationsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("load state: %w", err)
		}

		decision, err := Evaluate(rule, state, quote, cooldown, e.newID)
		if err != nil {
			if errors.Is(err, ErrStaleQuote) {
				metrics.EvaluationsTotal.WithLabelValues("stale").Inc()
				log.Debug().Err(err).Msg("stale quote ignored")
			}
			return nil, err
		}

		if _, err := e.states.Commit(ctx, decision.State, state.Version, decision.Fire); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				metrics.EvaluationConflicts.Inc()
				log.Debug().Int("attempt", attempt+1).Msg("state commit conflict, re-evaluating")
				continue
			}
			metrics.EvaluationsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("commit state: %w", err)
		}

		metrics.EvaluationsTotal.WithLabelValues(string(decision.Outcome)).Inc()
		if decision.Fire != nil {
			metrics.FiresTotal.WithLabelValues(rule.Symbol, string(rule.Operator)).Inc()
			log.Info().
				Str("fire_id", decision.Fire.ID).
				Str("value", quote.Value.String()).
				Str("threshold", rule.Threshold.String()).
				Time("quote_at", quote.At).
				Msg("alert fired")
		} else if decision.Outcome == OutcomeSuppressed {
			log.Info().Str("value", quote.Value.String()).Msg("crossing suppressed by cooldown")
		}
		return decision.Fire, nil
	}

	metrics.EvaluationsTotal.WithLabelValues("error").Inc()
	return nil, fmt.Errorf("%w: rule %s after %d attempts", ErrStateConflict, rule.ID, e.conflictRetries+1)
}

// keyedMutex serialises work per rule id inside one process; cross-process races are
// caught by the version check in Commit.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
