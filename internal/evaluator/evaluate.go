package evaluator

import (
	"errors"
	"fmt"
	"time"

	"price-alert-engine/internal/models"
)

var (
	// ErrStaleQuote rejects quotes that are not newer than the last evaluated quote.
	ErrStaleQuote = errors.New("evaluator: stale quote")
	// ErrRuleInactive rejects evaluation of disabled rules.
	ErrRuleInactive = errors.New("evaluator: rule inactive")
	// ErrStateConflict is returned when concurrent commits keep winning over this evaluation.
	ErrStateConflict = errors.New("evaluator: state store conflict")
)

// Outcome classifies a single evaluation.
type Outcome string

const (
	OutcomeBaseline   Outcome = "baseline"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeDisarmed   Outcome = "disarmed"
	OutcomeFired      Outcome = "fired"
	OutcomeSuppressed Outcome = "suppressed"
)

// Decision is the result of Evaluate: the state to commit and an optional fire event.
type Decision struct {
	Outcome Outcome
	State   models.EvaluationState
	Fire    *models.FireEvent
}

// IDFunc generates fire ids.
type IDFunc func() string

// Evaluate runs the crossing state machine for one quote. It performs no I/O; the
// quote timestamp is the clock so that replays reach identical decisions.
//
// Cases, with side = value >= threshold ? above : below:
//   - unknown side or a new rule version: record the side, never fire
//   - same side as the armed side: no fire
//   - flip away from the alerting side: re-arm
//   - flip into the alerting side outside cooldown: fire and start cooldown
//   - flip into the alerting side inside cooldown: suppress, keep the armed side
//     and leave the cooldown untouched
func Evaluate(rule models.Rule, state models.EvaluationState, quote models.Quote, cooldown time.Duration, newID IDFunc) (Decision, error) {
	if !rule.Active {
		return Decision{}, ErrRuleInactive
	}
	if state.LastQuoteAt != nil && !quote.At.After(*state.LastQuoteAt) {
		return Decision{}, fmt.Errorf("%w: quote at %s not after %s", ErrStaleQuote,
			quote.At.UTC().Format(time.RFC3339Nano), state.LastQuoteAt.UTC().Format(time.RFC3339Nano))
	}

	at := quote.At.UTC()
	value := quote.Value
	current := models.SideOf(value, rule.Threshold)

	next := state
	next.RuleID = rule.ID
	next.LastQuoteAt = &at
	next.LastValue = &value
	next.ObservedSide = current

	if state.Side == "" || state.Side == models.SideUnknown || state.RuleVersion != rule.Version {
		next.Side = current
		next.RuleVersion = rule.Version
		return Decision{Outcome: OutcomeBaseline, State: next}, nil
	}

	if current == state.Side {
		return Decision{Outcome: OutcomeUnchanged, State: next}, nil
	}

	if current != rule.AlertingSide() {
		next.Side = current
		return Decision{Outcome: OutcomeDisarmed, State: next}, nil
	}

	if state.CooldownUntil != nil && at.Before(*state.CooldownUntil) {
		return Decision{Outcome: OutcomeSuppressed, State: next}, nil
	}

	until := at.Add(cooldown)
	next.Side = current
	next.LastFiredAt = &at
	next.CooldownUntil = &until

	fire := &models.FireEvent{
		ID:            newID(),
		RuleID:        rule.ID,
		RuleVersion:   rule.Version,
		Symbol:        rule.Symbol,
		Operator:      rule.Operator,
		Threshold:     rule.Threshold,
		Value:         value,
		QuoteAt:       at,
		FiredAt:       at,
		PreviousClose: quote.PreviousClose,
	}
	return Decision{Outcome: OutcomeFired, State: next, Fire: fire}, nil
}
