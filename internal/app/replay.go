package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"price-alert-engine/internal/evaluator"
	"price-alert-engine/internal/models"
	"price-alert-engine/internal/storage"
	"price-alert-engine/internal/worker"
)

// ReplayResult summarises a replay run.
type ReplayResult struct {
	Rules  int
	Quotes int
	Stale  int
	Fires  []models.FireEvent
}

// Replay runs historical quotes through the evaluator against a scratch in-memory store
// seeded with the selected rules. Nothing is written to the configured store and nothing is sent.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) (ReplayResult, error) {
	if opts.CSVPath == "" {
		return ReplayResult{}, errors.New("--csv is required")
	}
	file, err := os.Open(opts.CSVPath)
	if err != nil {
		return ReplayResult{}, err
	}
	defer file.Close()

	quotes, err := parseQuotesCSV(file)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("read %s: %w", opts.CSVPath, err)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return ReplayResult{}, err
	}
	rules, err := store.ListActiveRules(ctx)
	closeStore()
	if err != nil {
		return ReplayResult{}, err
	}
	if len(opts.RuleIDs) > 0 {
		rules = slices.DeleteFunc(rules, func(r models.Rule) bool { return !slices.Contains(opts.RuleIDs, r.ID) })
	}
	if len(rules) == 0 {
		return ReplayResult{}, errors.New("no active rules to replay")
	}

	res, err := a.replayRules(ctx, rules, quotes, opts.Workers)
	if err != nil {
		return res, err
	}
	a.printReplay(res)
	return res, nil
}

func (a *App) replayRules(ctx context.Context, rules []models.Rule, quotes []models.Quote, workers int) (ReplayResult, error) {
	scratch, err := storage.NewSQLite(ctx, ":memory:")
	if err != nil {
		return ReplayResult{}, fmt.Errorf("open scratch store: %w", err)
	}
	defer scratch.Close()

	seeded := make([]models.Rule, 0, len(rules))
	for _, r := range rules {
		saved, err := scratch.UpsertRule(ctx, r)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
		seeded = append(seeded, saved)
	}

	bySymbol := make(map[string][]models.Quote)
	for _, q := range quotes {
		bySymbol[q.Symbol] = append(bySymbol[q.Symbol], q)
	}
	for _, qs := range bySymbol {
		sort.SliceStable(qs, func(i, j int) bool { return qs[i].At.Before(qs[j].At) })
	}

	engine := a.newEngine(scratch)
	res := ReplayResult{Rules: len(seeded), Quotes: len(quotes)}
	var mu sync.Mutex

	// each rule replays its symbol in time order; rules are independent
	jobs := make([]worker.Job, len(seeded))
	for i, rule := range seeded {
		jobs[i] = worker.Job{
			Key: rule.ID,
			Run: func(ctx context.Context) error {
				for _, q := range bySymbol[rule.Symbol] {
					fire, err := engine.Evaluate(ctx, rule, q)
					if errors.Is(err, evaluator.ErrStaleQuote) {
						mu.Lock()
						res.Stale++
						mu.Unlock()
						continue
					}
					if err != nil {
						return err
					}
					if fire != nil {
						mu.Lock()
						res.Fires = append(res.Fires, *fire)
						mu.Unlock()
					}
				}
				return nil
			},
		}
	}

	pool := worker.NewPool(worker.Config{Workers: workers, Logger: a.Logger})
	if err := errors.Join(pool.Run(ctx, jobs)...); err != nil {
		return res, err
	}

	sort.Slice(res.Fires, func(i, j int) bool {
		if !res.Fires[i].QuoteAt.Equal(res.Fires[j].QuoteAt) {
			return res.Fires[i].QuoteAt.Before(res.Fires[j].QuoteAt)
		}
		return res.Fires[i].RuleID < res.Fires[j].RuleID
	})
	return res, nil
}

func (a *App) printReplay(res ReplayResult) {
	fmt.Fprintf(a.out(), "replayed %d quotes against %d rules: %d fires, %d stale quotes skipped\n",
		res.Quotes, res.Rules, len(res.Fires), res.Stale)
	if len(res.Fires) == 0 {
		return
	}
	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Quote (UTC)\tRule\tSymbol\tDirection\tThreshold\tValue")
	for _, f := range res.Fires {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.QuoteAt.UTC().Format(time.RFC3339), f.RuleID, f.Symbol, f.Operator,
			f.Threshold.String(), f.Value.String())
	}
	_ = writer.Flush()
}

// parseQuotesCSV reads "symbol,timestamp,value" rows. The timestamp is RFC3339 or unix
// seconds; a header row is skipped when its value column is not numeric.
func parseQuotesCSV(r io.Reader) ([]models.Quote, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var quotes []models.Quote
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		value, err := decimal.NewFromString(strings.TrimSpace(record[2]))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: invalid value %q", line, record[2])
		}
		at, err := parseTimestamp(strings.TrimSpace(record[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		symbol := strings.ToUpper(strings.TrimSpace(record[0]))
		if symbol == "" {
			return nil, fmt.Errorf("line %d: empty symbol", line)
		}
		quotes = append(quotes, models.Quote{Symbol: symbol, Value: value, At: at, Source: "replay"})
	}
	return quotes, nil
}

func parseTimestamp(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", v)
	}
	return time.Unix(secs, 0).UTC(), nil
}
