package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funding-arb-alerts/internal/coverage"
	"funding-arb-alerts/internal/exchange"
	"funding-arb-alerts/internal/marketdata"
	"funding-arb-alerts/internal/storage"
)

// Backfill fills candle gaps from a venue's historical REST endpoint. Symbols
// are picked by volume from the venue's market list, filtered by the
// configured floor.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if !opts.From.Before(opts.To) {
		return errors.New("backfill window is empty, check --from/--to")
	}

	registry := a.newRegistry()
	client, ok := registry.Get(opts.Exchange)
	if !ok {
		return fmt.Errorf("exchange %q is not configured", opts.Exchange)
	}
	source, ok := client.(exchange.CandleHistorySource)
	if !ok {
		return fmt.Errorf("exchange %q does not serve candle history", opts.Exchange)
	}

	var store *storage.Store
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
	} else {
		var closeStore func()
		var err error
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn is required for backfill")
		}
		defer closeStore()

		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	markets := client.GetMarkets(ctx)
	tracked := coverage.BuildTrackedSymbols(markets, a.Config.Ingestion.MinVolume)
	volumes := make(map[string]float64, len(markets))
	for _, market := range markets {
		volumes[exchange.NormalizeSymbol(market.Symbol)] = market.Volume24h
	}
	symbols := coverage.SelectBackfillSymbols(tracked, nil, time.Now().UTC(),
		a.Config.Ingestion.BackfillCooldown, a.Config.Ingestion.MaxStreamSymbols, volumes)
	if len(symbols) == 0 {
		a.Logger.Info().Msg("no symbols eligible for backfill")
		return nil
	}

	processed := 0
	skipped := 0
	for _, symbol := range symbols {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rows, err := source.FetchCandleHistory(ctx, symbol, opts.From, opts.To)
		if err != nil {
			a.Logger.Error().Err(err).Str("symbol", symbol).Msg("fetch candle history")
			continue
		}

		candles := make([]storage.Candle, 0, len(rows))
		for _, row := range rows {
			candle, ok := marketdata.ParseSnapshotCandle(row)
			if !ok {
				skipped++
				continue
			}
			candle.Symbol = symbol
			candles = append(candles, candle)
		}

		if store != nil && len(candles) > 0 {
			if err := store.WriteBatch(ctx, storage.Batch{Candles: candles}); err != nil {
				a.Logger.Error().Err(err).Str("symbol", symbol).Msg("persist backfilled candles")
				continue
			}
		}
		processed += len(candles)
		a.Logger.Info().Str("symbol", symbol).Int("candles", len(candles)).Msg("symbol backfilled")
	}

	a.Logger.Info().Int("candles", processed).Int("skipped", skipped).Msg("backfill complete")
	return nil
}
