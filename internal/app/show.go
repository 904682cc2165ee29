package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"price-alert-engine/internal/models"
)

// Show prints recent fire events and, optionally, their delivery status.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	fires, err := store.ListRecentFires(ctx, "", opts.Limit)
	if err != nil {
		return err
	}
	if len(fires) == 0 {
		fmt.Fprintln(a.out(), "no fires found")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	header := "Fired (UTC)\tFire\tRule\tSymbol\tDirection\tThreshold\tValue\tDispatched"
	if opts.Deliveries {
		header += "\tDeliveries"
	}
	fmt.Fprintln(writer, header)

	for _, fire := range fires {
		dispatched := "pending"
		if fire.DispatchedAt != nil {
			dispatched = fire.DispatchedAt.UTC().Format(time.RFC3339)
		}
		line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s",
			fire.FiredAt.UTC().Format(time.RFC3339),
			fire.ID,
			fire.RuleID,
			fire.Symbol,
			fire.Operator,
			formatDecimal(fire.Threshold, 2),
			formatDecimal(fire.Value, 2),
			dispatched,
		)
		if opts.Deliveries {
			attempts, err := store.ListAttemptsForFire(ctx, fire.ID)
			if err != nil {
				return err
			}
			line += "\t" + summarizeAttempts(attempts)
		}
		fmt.Fprintln(writer, line)
	}

	return writer.Flush()
}

// summarizeAttempts renders "channel=status(n)" pairs, with the last error of failures.
func summarizeAttempts(attempts []models.DeliveryAttempt) string {
	if len(attempts) == 0 {
		return "-"
	}
	sorted := append([]models.DeliveryAttempt(nil), attempts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChannelID < sorted[j].ChannelID })

	parts := make([]string, 0, len(sorted))
	for _, a := range sorted {
		part := fmt.Sprintf("%s=%s(%d)", a.ChannelID, a.Status, a.Attempts)
		if a.Status != models.StatusSent && a.LastError != "" {
			part += ": " + sanitizeInline(a.LastError)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
