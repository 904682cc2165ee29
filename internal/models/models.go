package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Operator selects which side of the threshold is the alerting side.
type Operator string

const (
	CrossesAbove Operator = "crosses_above"
	CrossesBelow Operator = "crosses_below"
)

// ParseOperator accepts the canonical names plus the short forms used on the command line.
func ParseOperator(v string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "crosses_above", "crosses-above", "above", ">":
		return CrossesAbove, nil
	case "crosses_below", "crosses-below", "below", "<":
		return CrossesBelow, nil
	default:
		return "", fmt.Errorf("unknown operator %q", v)
	}
}

// Side is the position of a quote relative to a rule threshold.
type Side string

const (
	SideUnknown Side = "unknown"
	SideAbove   Side = "above"
	SideBelow   Side = "below"
)

// SideOf places value against threshold; a value equal to the threshold counts as above.
func SideOf(value, threshold decimal.Decimal) Side {
	if value.GreaterThanOrEqual(threshold) {
		return SideAbove
	}
	return SideBelow
}

// DeliveryStatus tracks a single channel delivery.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusFailed    DeliveryStatus = "failed"
	StatusExhausted DeliveryStatus = "exhausted"
)

// ParseDeliveryStatus accepts one of the four delivery statuses.
func ParseDeliveryStatus(v string) (DeliveryStatus, error) {
	switch s := DeliveryStatus(strings.ToLower(strings.TrimSpace(v))); s {
	case StatusPending, StatusSent, StatusFailed, StatusExhausted:
		return s, nil
	default:
		return "", fmt.Errorf("unknown delivery status %q", v)
	}
}

// ChannelTarget is one destination of a rule, e.g. an email address or a chat id.
type ChannelTarget struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Address string `json:"address"`
}

// Key returns the channel id used in the delivery idempotency key.
func (c ChannelTarget) Key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Kind + ":" + c.Address
}

// ParseChannelTarget parses "kind:address" as used by the CLI.
func ParseChannelTarget(v string) (ChannelTarget, error) {
	kind, address, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok || kind == "" || address == "" {
		return ChannelTarget{}, fmt.Errorf("channel %q must look like kind:address", v)
	}
	target := ChannelTarget{Kind: strings.ToLower(kind), Address: address}
	target.ID = target.Key()
	return target, nil
}

// Rule is a user-defined price alert.
type Rule struct {
	ID        string
	OwnerID   string
	Symbol    string
	Operator  Operator
	Threshold decimal.Decimal
	// Cooldown is nil when the configured default applies.
	Cooldown  *time.Duration
	Channels  []ChannelTarget
	Active    bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AlertingSide is the side a quote must cross into for the rule to fire.
func (r Rule) AlertingSide() Side {
	if r.Operator == CrossesBelow {
		return SideBelow
	}
	return SideAbove
}

// Channel looks up a channel target by its key.
func (r Rule) Channel(id string) (ChannelTarget, bool) {
	for _, ch := range r.Channels {
		if ch.Key() == id {
			return ch, true
		}
	}
	return ChannelTarget{}, false
}

// Quote is a single price observation handed to the evaluator.
// PreviousClose is nil when the source does not report one.
type Quote struct {
	Symbol        string
	Value         decimal.Decimal
	At            time.Time
	Source        string
	PreviousClose *decimal.Decimal
}

// EvaluationState is the durable per-rule crossing state.
//
// Side is the armed side used for crossing decisions. ObservedSide is the side of
// the latest quote, which differs from Side while a crossing is held back by cooldown.
// Version is the compare-and-swap token; zero means nothing is stored yet.
type EvaluationState struct {
	RuleID        string
	Side          Side
	ObservedSide  Side
	LastQuoteAt   *time.Time
	LastValue     *decimal.Decimal
	LastFiredAt   *time.Time
	CooldownUntil *time.Time
	RuleVersion   int64
	Version       int64
	UpdatedAt     time.Time
}

// NewEvaluationState returns the state of a rule that has never been evaluated.
func NewEvaluationState(ruleID string) EvaluationState {
	return EvaluationState{RuleID: ruleID, Side: SideUnknown, ObservedSide: SideUnknown}
}

// FireEvent is the record of one qualifying crossing.
type FireEvent struct {
	ID           string
	RuleID       string
	RuleVersion  int64
	Symbol       string
	Operator     Operator
	Threshold    decimal.Decimal
	Value        decimal.Decimal
	QuoteAt      time.Time
	FiredAt      time.Time
	DispatchedAt *time.Time
	CreatedAt    time.Time

	// PreviousClose is copied from the triggering quote.
	PreviousClose *decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// ChangePercent returns the move from the previous close in percent.
// ok is false when no usable previous close is known.
func (f FireEvent) ChangePercent() (pct decimal.Decimal, ok bool) {
	if f.PreviousClose == nil || f.PreviousClose.IsZero() {
		return decimal.Decimal{}, false
	}
	return f.Value.Sub(*f.PreviousClose).Div(*f.PreviousClose).Mul(hundred), true
}

// DeliveryAttempt is one channel's unit of work for a fire event.
type DeliveryAttempt struct {
	ID          string
	FireID      string
	ChannelID   string
	ChannelKind string
	Status      DeliveryStatus
	Attempts    int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether no further sends will happen.
func (a DeliveryAttempt) Terminal() bool {
	return a.Status == StatusSent || a.Status == StatusExhausted
}
