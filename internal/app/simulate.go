package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"price-alert-engine/internal/alerting"
	"price-alert-engine/internal/models"
)

// SimulateAlert renders a synthetic fire for a rule and sends it through the real adapters.
// Nothing is persisted and the rule's evaluation state is left alone.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if opts.RuleID == "" {
		return errors.New("--rule is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	rule, err := store.GetRule(ctx, opts.RuleID)
	closeStore()
	if err != nil {
		return err
	}

	registry, err := a.newRegistry()
	if err != nil {
		return err
	}
	defer registry.Close()

	return a.simulate(ctx, registry, rule, opts.Value)
}

func (a *App) simulate(ctx context.Context, registry *alerting.Registry, rule models.Rule, rawValue string) error {
	value := rule.Threshold
	if rawValue != "" {
		v, err := decimal.NewFromString(rawValue)
		if err != nil {
			return fmt.Errorf("invalid --value %q: %w", rawValue, err)
		}
		value = v
	}

	now := time.Now().UTC()
	fire := models.FireEvent{
		ID:          "simulated-" + now.Format("20060102T150405"),
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		Symbol:      rule.Symbol,
		Operator:    rule.Operator,
		Threshold:   rule.Threshold,
		Value:       value,
		QuoteAt:     now,
		FiredAt:     now,
	}
	msg, err := alerting.Render(rule, fire)
	if err != nil {
		return err
	}

	timeout := a.Config.Dispatch.SendTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var errs []error
	for _, ch := range rule.Channels {
		adapter, err := registry.Lookup(ch.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Key(), err))
			fmt.Fprintf(a.out(), "%s: skipped (%v)\n", ch.Key(), err)
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		err = adapter.Send(sendCtx, ch, msg)
		cancel()
		if err != nil {
			class := "transient"
			if alerting.IsPermanent(err) {
				class = "permanent"
			}
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Key(), err))
			fmt.Fprintf(a.out(), "%s: failed (%s): %v\n", ch.Key(), class, err)
			continue
		}
		fmt.Fprintf(a.out(), "%s: sent\n", ch.Key())
	}
	return errors.Join(errs...)
}
