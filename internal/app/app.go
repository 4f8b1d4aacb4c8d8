package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"funding-arb-alerts/internal/alerting"
	"funding-arb-alerts/internal/api"
	"funding-arb-alerts/internal/config"
	"funding-arb-alerts/internal/detector"
	"funding-arb-alerts/internal/exchange"
	"funding-arb-alerts/internal/marketdata"
	"funding-arb-alerts/internal/metrics"
	"funding-arb-alerts/internal/scanner"
	"funding-arb-alerts/internal/scheduler"
	"funding-arb-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newRegistry() *exchange.Registry {
	return exchange.NewRegistry(a.Config.Exchanges, a.Config.App, a.Config.Ingestion.Symbols, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running watcher: exchange feeds, ingestion, scan
// cycles, the query API and the metrics endpoint.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required for run")
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	m := metrics.New()
	registry := a.newRegistry()
	notifier := alerting.FromConfig(a.Config.Alerting, a.Logger)

	ingester := marketdata.NewIngester(a.Config.Ingestion, store, m, a.Logger)
	for _, client := range registry.All() {
		ingester.Attach(client)
	}

	registry.InitializeAll(ctx)
	defer registry.DisconnectAll()

	ingester.Start(ctx)
	defer ingester.Stop()

	scan := scanner.New(a.Config.Scanner, registry, store, m, a.Logger)
	detect := detector.New(a.Config.Detector, registry, store, notifier, m, a.Logger)
	sched := scheduler.New(a.Config.Scheduler, a.Logger)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return sched.Run(ctx, "funding-scan", func(ctx context.Context, cycle time.Time) error {
			scan.Scan(ctx)
			detect.Detect(ctx)
			a.logCoverage(ingester, cycle)
			return nil
		})
	})

	if a.Config.API.Enabled {
		server := api.NewServer(a.Config.API, store, a.Logger)
		group.Go(server.Start)
		group.Go(func() error {
			<-ctx.Done()
			return server.Shutdown()
		})
	}

	if a.Config.Metrics.Enabled {
		metricsSrv := &http.Server{Addr: a.Config.Metrics.Addr, Handler: m.Handler()}
		group.Go(func() error {
			a.Logger.Info().Str("addr", a.Config.Metrics.Addr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	a.Logger.Info().Msg("watcher started")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watcher terminated with error")
		return err
	}

	a.Logger.Info().Msg("watcher stopped")
	return nil
}

func (a *App) logCoverage(ingester *marketdata.Ingester, now time.Time) {
	tracked := make([]string, 0, len(a.Config.Ingestion.Symbols))
	for _, sym := range a.Config.Ingestion.Symbols {
		tracked = append(tracked, exchange.NormalizeSymbol(sym))
	}

	snap := ingester.Coverage(tracked, now)
	event := a.Logger.Info().
		Int("total", snap.Total).
		Int("fresh", snap.Fresh).
		Int("stale", snap.Stale).
		Float64("ratio", snap.Ratio)
	if snap.Stale > 0 {
		event = event.Strs("stale_symbols", snap.StaleSymbols)
	}
	event.Msg("stream coverage")
}

// ExportOptions hold parameters for exporting ledger history.
type ExportOptions struct {
	Symbol    string
	Hours     int
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure the candle backfill job.
type BackfillOptions struct {
	Exchange string
	From     time.Time
	To       time.Time
	DryRun   bool
}

// CleanupOptions configure retention pruning.
type CleanupOptions struct {
	Days int
}
