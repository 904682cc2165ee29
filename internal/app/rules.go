package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"price-alert-engine/internal/models"
)

// RuleInput is a rule as typed on the command line.
type RuleInput struct {
	ID        string
	OwnerID   string
	Symbol    string
	Operator  string
	Threshold string
	Cooldown  *time.Duration
	Channels  []string
}

// Build validates the input and converts it to a rule.
func (in RuleInput) Build() (models.Rule, error) {
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if symbol == "" {
		return models.Rule{}, errors.New("symbol is required")
	}
	op, err := models.ParseOperator(in.Operator)
	if err != nil {
		return models.Rule{}, err
	}
	threshold, err := decimal.NewFromString(strings.TrimSpace(in.Threshold))
	if err != nil {
		return models.Rule{}, fmt.Errorf("invalid threshold %q: %w", in.Threshold, err)
	}
	if !threshold.IsPositive() {
		return models.Rule{}, errors.New("threshold must be greater than zero")
	}
	if in.Cooldown != nil && *in.Cooldown < 0 {
		return models.Rule{}, errors.New("cooldown must not be negative")
	}
	if len(in.Channels) == 0 {
		return models.Rule{}, errors.New("at least one channel is required")
	}

	channels := make([]models.ChannelTarget, 0, len(in.Channels))
	seen := make(map[string]bool, len(in.Channels))
	for _, raw := range in.Channels {
		ch, err := models.ParseChannelTarget(raw)
		if err != nil {
			return models.Rule{}, err
		}
		if seen[ch.Key()] {
			return models.Rule{}, fmt.Errorf("duplicate channel %s", ch.Key())
		}
		seen[ch.Key()] = true
		channels = append(channels, ch)
	}

	return models.Rule{
		ID:        strings.TrimSpace(in.ID),
		OwnerID:   strings.TrimSpace(in.OwnerID),
		Symbol:    symbol,
		Operator:  op,
		Threshold: threshold,
		Cooldown:  in.Cooldown,
		Channels:  channels,
		Active:    true,
	}, nil
}

// AddRule creates a rule, or replaces it when the id exists.
func (a *App) AddRule(ctx context.Context, in RuleInput) (models.Rule, error) {
	rule, err := in.Build()
	if err != nil {
		return models.Rule{}, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return models.Rule{}, err
	}
	defer closeStore()

	saved, err := store.UpsertRule(ctx, rule)
	if err != nil {
		return models.Rule{}, err
	}
	a.Logger.Info().Str("rule_id", saved.ID).Str("symbol", saved.Symbol).Int64("version", saved.Version).Msg("rule saved")
	fmt.Fprintf(a.out(), "rule %s saved (version %d)\n", saved.ID, saved.Version)
	return saved, nil
}

// ListRules prints every rule.
func (a *App) ListRules(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rules, err := store.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		fmt.Fprintln(a.out(), "no rules found")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tOwner\tSymbol\tOperator\tThreshold\tCooldown\tChannels\tActive\tVersion")
	for _, r := range rules {
		cooldown := "default"
		if r.Cooldown != nil {
			cooldown = r.Cooldown.String()
		}
		keys := make([]string, len(r.Channels))
		for i, ch := range r.Channels {
			keys[i] = ch.Key()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%d\n",
			r.ID, r.OwnerID, r.Symbol, r.Operator, r.Threshold.String(), cooldown,
			strings.Join(keys, ","), r.Active, r.Version)
	}
	return writer.Flush()
}

// SetRuleActive enables or disables a rule.
func (a *App) SetRuleActive(ctx context.Context, id string, active bool) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.SetRuleActive(ctx, id, active); err != nil {
		return err
	}
	a.Logger.Info().Str("rule_id", id).Bool("active", active).Msg("rule updated")
	return nil
}
