package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-alert-engine/internal/config"
	"price-alert-engine/internal/evaluator"
	"price-alert-engine/internal/fetcher"
	"price-alert-engine/internal/models"
	"price-alert-engine/internal/storage"
	"price-alert-engine/internal/worker"
)

type scriptedPrices struct {
	mu     sync.Mutex
	values map[string][]string
	errs   map[string]error
	calls  map[string]int
	base   time.Time
}

func newScriptedPrices() *scriptedPrices {
	return &scriptedPrices{
		values: map[string][]string{},
		errs:   map[string]error{},
		calls:  map[string]int{},
		base:   time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC),
	}
}

func (p *scriptedPrices) Quote(_ context.Context, symbol string) (models.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[symbol]++
	if err := p.errs[symbol]; err != nil {
		return models.Quote{}, err
	}
	vals := p.values[symbol]
	if len(vals) == 0 {
		return models.Quote{}, fmt.Errorf("%w: no script", fetcher.ErrUnavailable)
	}
	n := p.calls[symbol]
	v := vals[min(n, len(vals))-1]
	return models.Quote{
		Symbol: symbol,
		Value:  decimal.RequireFromString(v),
		At:     p.base.Add(time.Duration(n) * time.Minute),
		Source: "script",
	}, nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	fires []models.FireEvent
}

func (d *recordingDispatcher) Dispatch(_ context.Context, fire models.FireEvent, _ models.Rule) ([]models.DeliveryAttempt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fires = append(d.fires, fire)
	return nil, nil
}

type failingEvaluator struct {
	Evaluator
	failFor string
}

func (f failingEvaluator) Evaluate(ctx context.Context, rule models.Rule, quote models.Quote) (*models.FireEvent, error) {
	if rule.ID == f.failFor {
		return nil, errors.New("state store timeout")
	}
	return f.Evaluator.Evaluate(ctx, rule, quote)
}

type fixture struct {
	db         *storage.SQLite
	prices     *scriptedPrices
	dispatcher *recordingDispatcher
	engine     *evaluator.Engine
	cfg        *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	cfg := &config.Config{}
	cfg.Evaluator.QuoteTimeout = time.Second
	return &fixture{
		db:         db,
		prices:     newScriptedPrices(),
		dispatcher: &recordingDispatcher{},
		engine:     evaluator.NewEngine(db, evaluator.EngineConfig{DefaultCooldown: time.Hour, ConflictRetries: 2, Logger: zerolog.Nop()}),
		cfg:        cfg,
	}
}

func (f *fixture) service(eval Evaluator) *Service {
	return f.serviceWithLogger(eval, zerolog.Nop())
}

func (f *fixture) serviceWithLogger(eval Evaluator, logger zerolog.Logger) *Service {
	if eval == nil {
		eval = f.engine
	}
	pool := worker.NewPool(worker.Config{Workers: 3, Logger: zerolog.Nop()})
	return New(f.cfg, nil, f.db, f.prices, eval, f.dispatcher, pool, logger)
}

func (f *fixture) rule(t *testing.T, id, symbol, threshold string) {
	t.Helper()
	_, err := f.db.UpsertRule(context.Background(), models.Rule{
		ID:        id,
		OwnerID:   "owner-1",
		Symbol:    symbol,
		Operator:  models.CrossesAbove,
		Threshold: decimal.RequireFromString(threshold),
		Channels:  []models.ChannelTarget{{ID: "log", Kind: "log", Address: "-"}},
		Active:    true,
	})
	require.NoError(t, err)
}

func TestTickFiresOnCrossing(t *testing.T) {
	f := newFixture(t)
	f.rule(t, "aapl-180", "AAPL", "180")
	f.rule(t, "aapl-200", "AAPL", "200")
	f.prices.values["AAPL"] = []string{"175", "181.25"}
	svc := f.service(nil)
	ctx := context.Background()

	stats, err := svc.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, TickStats{Rules: 2, Symbols: 1, Evaluated: 2}, stats)
	assert.Empty(t, f.dispatcher.fires, "首次评估只建立基线")

	stats, err = svc.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Fired)
	require.Len(t, f.dispatcher.fires, 1)
	assert.Equal(t, "aapl-180", f.dispatcher.fires[0].RuleID)
	assert.Equal(t, 2, f.prices.calls["AAPL"], "one quote per symbol per tick")
}

func TestTickSkipsUnavailableSymbol(t *testing.T) {
	f := newFixture(t)
	f.rule(t, "aapl", "AAPL", "180")
	f.rule(t, "btc", "BTC", "60000")
	f.prices.values["AAPL"] = []string{"175"}
	f.prices.errs["BTC"] = fmt.Errorf("%w (429)", fetcher.ErrRateLimited)

	stats, err := f.service(nil).Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Evaluated)

	_, err = f.db.LoadState(context.Background(), "btc")
	require.NoError(t, err)
	state, err := f.db.LoadState(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, models.SideBelow, state.Side)
}

func TestTickIsolatesRuleFailures(t *testing.T) {
	f := newFixture(t)
	f.rule(t, "bad", "AAPL", "180")
	f.rule(t, "good", "AAPL", "180")
	f.prices.values["AAPL"] = []string{"175", "185"}
	svc := f.service(failingEvaluator{Evaluator: f.engine, failFor: "bad"})

	_, err := svc.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	stats, err := svc.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Fired)
	require.Len(t, f.dispatcher.fires, 1)
	assert.Equal(t, "good", f.dispatcher.fires[0].RuleID)
}

func TestTickSummaryReportsPoolCounters(t *testing.T) {
	f := newFixture(t)
	f.rule(t, "bad", "AAPL", "180")
	f.rule(t, "good", "AAPL", "180")
	f.prices.values["AAPL"] = []string{"175"}

	var buf bytes.Buffer
	svc := f.serviceWithLogger(failingEvaluator{Evaluator: f.engine, failFor: "bad"}, zerolog.New(&buf))
	_, err := svc.Tick(context.Background(), time.Now())
	require.NoError(t, err)

	var summary map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == "tick complete" {
			summary = entry
		}
	}
	require.NotNil(t, summary, "tick summary must be logged")
	assert.EqualValues(t, 3, summary["workers"])
	// one quote fetch and one good evaluation succeed, the bad rule fails
	assert.EqualValues(t, 2, summary["jobs_processed"])
	assert.EqualValues(t, 1, summary["jobs_failed"])
}

func TestTickCountsStaleQuotes(t *testing.T) {
	f := newFixture(t)
	f.rule(t, "aapl", "AAPL", "180")
	f.prices.values["AAPL"] = []string{"175"}
	svc := f.service(nil)
	ctx := context.Background()

	_, err := svc.Tick(ctx, time.Now())
	require.NoError(t, err)

	// market closed: the source keeps returning the same quote
	f.prices.base = f.prices.base.Add(-time.Minute)
	stats, err := svc.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stale)
	assert.Zero(t, stats.Failed)
}

type lockedRules struct {
	storage.RuleStore
	acquired bool
	listed   int
}

func (l *lockedRules) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() {}, l.acquired, nil
}

func (l *lockedRules) ListActiveRules(ctx context.Context) ([]models.Rule, error) {
	l.listed++
	return l.RuleStore.ListActiveRules(ctx)
}

func TestTickSkippedWhenLockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	f.cfg.Scheduler.AdvisoryLockKey = 42
	rules := &lockedRules{RuleStore: f.db}
	pool := worker.NewPool(worker.Config{Workers: 1, Logger: zerolog.Nop()})
	svc := New(f.cfg, nil, rules, f.prices, f.engine, f.dispatcher, pool, zerolog.Nop())

	require.NoError(t, svc.ProcessTick(context.Background(), time.Now()))
	assert.Zero(t, rules.listed)

	rules.acquired = true
	require.NoError(t, svc.ProcessTick(context.Background(), time.Now()))
	assert.Equal(t, 1, rules.listed)
}

func TestRunWithoutScheduler(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.service(nil).Run(context.Background()))
}
