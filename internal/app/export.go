package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"funding-arb-alerts/internal/storage"
)

// Export renders a symbol's ledger history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Symbol == "" {
		return errors.New("--symbol must be provided")
	}
	if opts.Hours <= 0 {
		opts.Hours = 24
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	opps, err := store.HistoricalOpportunities(ctx, opts.Symbol, opts.Hours)
	if err != nil {
		return err
	}
	if len(opps) == 0 {
		a.Logger.Info().Str("symbol", opts.Symbol).Msg("no ledger rows for export window")
		return nil
	}

	// Chart wants time ascending.
	sortByTimestamp(opps)

	downsampled := downsampleOpps(opps, opts.MaxPoints)
	a.Logger.Info().Int("total", len(opps)).Int("exported", len(downsampled)).Msg("exporting ledger rows")

	if opts.CSVPath != "" {
		if err := writeOppsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeOppsPNG(opts.PNGPath, opts.Symbol, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func sortByTimestamp(opps []storage.CrossOpportunity) {
	sort.Slice(opps, func(a, b int) bool {
		return opps[a].Timestamp.Before(opps[b].Timestamp)
	})
}

func downsampleOpps(opps []storage.CrossOpportunity, max int) []storage.CrossOpportunity {
	if max <= 0 || len(opps) <= max {
		return opps
	}

	result := make([]storage.CrossOpportunity, 0, max)
	step := float64(len(opps)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(opps) {
			idx = len(opps) - 1
		}
		result = append(result, opps[idx])
	}
	return result
}

func writeOppsCSV(path string, opps []storage.CrossOpportunity) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "symbol", "exchange_a", "exchange_b", "funding_a", "funding_b", "spread", "annualized_spread_pct", "price_diff_pct", "urgency", "confidence", "long_exchange", "short_exchange", "is_active"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, opp := range opps {
		active := "false"
		if opp.IsActive {
			active = "true"
		}
		record := []string{
			opp.Timestamp.UTC().Format(time.RFC3339),
			opp.Symbol,
			opp.ExchangeA,
			opp.ExchangeB,
			opp.FundingA.String(),
			opp.FundingB.String(),
			opp.Spread.String(),
			opp.AnnualizedSpread.String(),
			opp.PriceDiffPct.String(),
			opp.Urgency,
			strconv.Itoa(opp.Confidence),
			opp.LongExchange,
			opp.ShortExchange,
			active,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeOppsPNG(path, symbol string, opps []storage.CrossOpportunity) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(opps))
	apr := make([]float64, len(opps))
	priceDiff := make([]float64, len(opps))

	for i, opp := range opps {
		x[i] = opp.Timestamp
		apr[i] = opp.AnnualizedSpread.InexactFloat64()
		priceDiff[i] = opp.PriceDiffPct.InexactFloat64()
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		Title:  symbol + " funding spread",
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Annualized spread (%)",
			ValueFormatter: pctFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Price diff (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Spread APR %",
				XValues: x,
				YValues: apr,
			},
			chart.TimeSeries{
				Name:    "Price diff %",
				XValues: x,
				YValues: priceDiff,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
