package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"price-alert-engine/internal/alerting"
	"price-alert-engine/internal/config"
	"price-alert-engine/internal/dispatch"
	"price-alert-engine/internal/evaluator"
	"price-alert-engine/internal/fetcher"
	"price-alert-engine/internal/retry"
	"price-alert-engine/internal/scheduler"
	"price-alert-engine/internal/server"
	"price-alert-engine/internal/service"
	"price-alert-engine/internal/storage"
	"price-alert-engine/internal/worker"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; nil means stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

// openStore opens the configured backend and brings its schema up to date.
func (a *App) openStore(ctx context.Context) (storage.Backend, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate store: %w", err)
	}
	return store, store.Close, nil
}

func (a *App) newEngine(states storage.StateStore) *evaluator.Engine {
	return evaluator.NewEngine(states, evaluator.EngineConfig{
		DefaultCooldown: a.Config.Evaluator.DefaultCooldown,
		ConflictRetries: a.Config.Evaluator.ConflictRetries,
		Logger:          a.Logger,
	})
}

func (a *App) newRetryScheduler(store retry.Store) *retry.Scheduler {
	return retry.New(store, retry.Config{
		Policy: retry.Policy{
			MaxAttempts: a.Config.Retry.MaxAttempts,
			Base:        a.Config.Retry.BackoffBase,
			Cap:         a.Config.Retry.BackoffCap,
		},
		PollInterval: a.Config.Retry.PollInterval,
		BatchSize:    a.Config.Retry.BatchSize,
		Lease:        a.Config.Dispatch.ClaimTimeout,
		Concurrency:  a.Config.Dispatch.Concurrency,
		Logger:       a.Logger,
	})
}

func (a *App) newDispatcher(store storage.Backend, registry *alerting.Registry, retries dispatch.RetryScheduler) *dispatch.Dispatcher {
	return dispatch.New(store, store, registry, retries, dispatch.Config{
		Concurrency:  a.Config.Dispatch.Concurrency,
		SendTimeout:  a.Config.Dispatch.SendTimeout,
		ClaimTimeout: a.Config.Dispatch.ClaimTimeout,
		Logger:       a.Logger,
	})
}

func (a *App) newRegistry() (*alerting.Registry, error) {
	registry, err := alerting.BuildRegistry(a.Config.Channels, a.Config.Dispatch.SendTimeout, a.Logger)
	if err != nil {
		return nil, err
	}
	if len(registry.Kinds()) == 0 {
		a.Logger.Warn().Msg("no channels enabled; every delivery will be exhausted")
	}
	return registry, nil
}

// Run executes the long-running evaluation service, the retry loop and the HTTP server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// an unreachable store is fatal: evaluating without state would re-fire old crossings
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := a.newRegistry()
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close channel adapters")
		}
	}()

	prices := fetcher.NewRouter(a.Config.Prices, a.Logger)
	defer prices.Close()

	engine := a.newEngine(store)
	rules, err := store.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("list active rules: %w", err)
	}
	if err := engine.Preload(ctx, rules); err != nil {
		return fmt.Errorf("preload evaluation state: %w", err)
	}

	retries := a.newRetryScheduler(store)
	dispatcher := a.newDispatcher(store, registry, retries)
	pool := worker.NewPool(worker.Config{Workers: a.Config.Evaluator.Workers, Logger: a.Logger})

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)
	svc := service.New(a.Config, sched, store, prices, engine, dispatcher, pool, a.Logger)

	var srv *server.Server
	if a.Config.Server.Enabled {
		srv = server.New(a.Config.Server.Addr, store, a.Logger)
		srv.MarkReady()
		svc.OnTick(func(time.Time, service.TickStats) { srv.RecordTick(time.Now()) })
	}

	a.Logger.Info().
		Int("rules", len(rules)).
		Strs("channels", registry.Kinds()).
		Dur("interval", sched.Interval()).
		Msg("starting alert engine")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := svc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("evaluation loop: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return retries.Run(gctx, dispatcher)
	})
	if srv != nil {
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("alert engine terminated with error")
		return err
	}
	a.Logger.Info().Msg("alert engine stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	_, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	a.Logger.Info().Str("driver", a.Config.Database.Driver).Msg("schema up to date")
	return nil
}

// ExportOptions hold parameters for exporting fire history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	Deliveries bool
}

// ReplayOptions configure a replay of historical quotes.
type ReplayOptions struct {
	CSVPath string
	// RuleIDs restricts the replay; empty means every active rule.
	RuleIDs []string
	Workers int
}

// SimulateOptions configure a test alert.
type SimulateOptions struct {
	RuleID string
	// Value is the synthetic quote; empty uses the rule threshold.
	Value string
}
