package detector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb-alerts/internal/alerting"
	"funding-arb-alerts/internal/config"
	"funding-arb-alerts/internal/exchange"
	"funding-arb-alerts/internal/metrics"
	"funding-arb-alerts/internal/storage"
)

// lowVolumeFloor is the 24h volume, in quote currency, under which a venue
// leg costs confidence. Zero volume means the venue did not report one and
// carries no penalty.
const lowVolumeFloor = 1_000_000

var hundred = decimal.NewFromInt(100)

// ClientSource yields the venue clients to compare. *exchange.Registry
// satisfies it.
type ClientSource interface {
	All() []exchange.Client
}

// Detector compares funding snapshots across venues and appends divergences
// to the opportunity ledger. Thresholds are hot-swappable via UpdateConfig.
type Detector struct {
	registry ClientSource
	ledger   storage.OpportunityLedger
	notifier alerting.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu  sync.RWMutex
	cfg config.DetectorConfig
}

func New(cfg config.DetectorConfig, registry ClientSource, ledger storage.OpportunityLedger, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Detector {
	return &Detector{
		registry: registry,
		ledger:   ledger,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "detector").Logger(),
		cfg:      cfg,
	}
}

// Config returns a copy of the current thresholds.
func (d *Detector) Config() config.DetectorConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// ConfigPatch carries partial threshold updates. Nil fields keep their
// current value.
type ConfigPatch struct {
	MinSpread           *float64
	MinAnnualizedSpread *float64
	PriceDiffThreshold  *float64
	HighUrgencyAPR      *float64
	MediumUrgencyAPR    *float64
	StaleAfter          *time.Duration
	LedgerSweepAge      *time.Duration
}

// UpdateConfig merges the patch under the lock. In-flight detections finish
// on the thresholds they started with.
func (d *Detector) UpdateConfig(p ConfigPatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.MinSpread != nil {
		d.cfg.MinSpread = *p.MinSpread
	}
	if p.MinAnnualizedSpread != nil {
		d.cfg.MinAnnualizedSpread = *p.MinAnnualizedSpread
	}
	if p.PriceDiffThreshold != nil {
		d.cfg.PriceDiffThreshold = *p.PriceDiffThreshold
	}
	if p.HighUrgencyAPR != nil {
		d.cfg.HighUrgencyAPR = *p.HighUrgencyAPR
	}
	if p.MediumUrgencyAPR != nil {
		d.cfg.MediumUrgencyAPR = *p.MediumUrgencyAPR
	}
	if p.StaleAfter != nil {
		d.cfg.StaleAfter = *p.StaleAfter
	}
	if p.LedgerSweepAge != nil {
		d.cfg.LedgerSweepAge = *p.LedgerSweepAge
	}
}

// Detect runs one cross-venue comparison cycle. Venue status rows are
// upserted regardless of whether any opportunity is found.
func (d *Detector) Detect(ctx context.Context) []storage.CrossOpportunity {
	cfg := d.Config()
	now := time.Now().UTC()

	bySymbol := make(map[string]map[string]exchange.FundingSnapshot)
	for _, client := range d.registry.All() {
		snaps := client.GetFundingRates(ctx)

		symbols := make([]string, 0, len(snaps))
		for sym, snap := range snaps {
			symbols = append(symbols, sym)
			venues, ok := bySymbol[sym]
			if !ok {
				venues = make(map[string]exchange.FundingSnapshot, 2)
				bySymbol[sym] = venues
			}
			venues[client.Name()] = snap
		}
		sort.Strings(symbols)

		if err := d.ledger.UpsertExchangeStatus(ctx, storage.ExchangeStatus{
			Exchange:   client.Name(),
			Connected:  client.Connected(),
			LastUpdate: now,
			Symbols:    symbols,
		}); err != nil {
			d.logger.Warn().Err(err).Str("exchange", client.Name()).Msg("upsert exchange status")
		}
	}

	var results []storage.CrossOpportunity
	for sym, venues := range bySymbol {
		if len(venues) < 2 {
			continue
		}
		names := make([]string, 0, len(venues))
		for name := range venues {
			names = append(names, name)
		}
		sort.Strings(names)
		for ai := 0; ai < len(names); ai++ {
			for bi := ai + 1; bi < len(names); bi++ {
				opp, ok := Evaluate(sym, venues[names[ai]], venues[names[bi]], cfg, now)
				if ok {
					results = append(results, opp)
				}
			}
		}
	}

	sort.Slice(results, func(a, b int) bool {
		av, bv := results[a].AnnualizedSpread.Abs(), results[b].AnnualizedSpread.Abs()
		if !av.Equal(bv) {
			return av.GreaterThan(bv)
		}
		return results[a].Symbol < results[b].Symbol
	})

	for idx, opp := range results {
		saved, err := d.ledger.SaveCrossOpportunity(ctx, opp)
		if err != nil {
			d.logger.Error().Err(err).Str("symbol", opp.Symbol).Msg("persist opportunity")
			if d.metrics != nil {
				d.metrics.ScanFailures.WithLabelValues("detector").Inc()
			}
			continue
		}
		results[idx] = saved
		if d.notifier != nil {
			if err := d.notifier.NotifyOpportunity(ctx, saved); err != nil {
				d.logger.Warn().Err(err).Str("symbol", saved.Symbol).Msg("notify opportunity")
			}
		}
	}

	if swept, err := d.ledger.DeactivateStaleBefore(ctx, now.Add(-cfg.LedgerSweepAge)); err != nil {
		d.logger.Warn().Err(err).Msg("ledger sweep")
	} else if swept > 0 {
		d.logger.Info().Int64("rows", swept).Msg("swept stale ledger rows")
	}

	if d.metrics != nil {
		d.metrics.ScanCycles.WithLabelValues("detector").Inc()
		d.metrics.ActiveOpps.Set(float64(len(results)))
	}
	return results
}

// Evaluate scores one venue pair for one symbol. Exchange a and b may arrive
// in either order; the short leg always lands on the higher-funding venue.
func Evaluate(symbol string, a, b exchange.FundingSnapshot, cfg config.DetectorConfig, now time.Time) (storage.CrossOpportunity, bool) {
	spread := a.FundingRate.Sub(b.FundingRate)
	if spread.Abs().LessThan(decimal.NewFromFloat(cfg.MinSpread)) {
		return storage.CrossOpportunity{}, false
	}

	annualized := exchange.AnnualizedPct(spread)
	if annualized.Abs().LessThan(decimal.NewFromFloat(cfg.MinAnnualizedSpread)) {
		return storage.CrossOpportunity{}, false
	}

	priceDiff := priceDiffPct(a.MarkPrice, b.MarkPrice)
	if priceDiff.GreaterThan(decimal.NewFromFloat(cfg.PriceDiffThreshold)) {
		return storage.CrossOpportunity{}, false
	}

	confidence := confidenceScore(a, b, priceDiff, cfg.StaleAfter, now)

	// Shorts collect positive funding, so short the richer rate.
	long, short := a, b
	if a.FundingRate.GreaterThan(b.FundingRate) {
		long, short = b, a
	}

	urgency := storage.UrgencyLow
	aprMag, _ := annualized.Abs().Float64()
	switch {
	case aprMag >= cfg.HighUrgencyAPR:
		urgency = storage.UrgencyHigh
	case aprMag >= cfg.MediumUrgencyAPR:
		urgency = storage.UrgencyMedium
	}

	return storage.CrossOpportunity{
		Symbol:           symbol,
		ExchangeA:        a.Exchange,
		ExchangeB:        b.Exchange,
		FundingA:         a.FundingRate,
		FundingB:         b.FundingRate,
		Spread:           spread,
		AnnualizedSpread: annualized,
		PriceDiffPct:     priceDiff,
		Urgency:          urgency,
		Confidence:       confidence,
		LongExchange:     long.Exchange,
		ShortExchange:    short.Exchange,
		Action: storage.TradeAction{
			Long:  storage.TradeLeg{Exchange: long.Exchange, Symbol: symbol, Side: "long"},
			Short: storage.TradeLeg{Exchange: short.Exchange, Symbol: symbol, Side: "short"},
		},
		IsActive:  true,
		Timestamp: now,
	}, true
}

// priceDiffPct is the mark price gap relative to the pair midpoint, in
// percent. Zero when either mark is missing; the confidence score handles
// that case separately.
func priceDiffPct(a, b decimal.Decimal) decimal.Decimal {
	if !a.IsPositive() || !b.IsPositive() {
		return decimal.Zero
	}
	mid := a.Add(b).Div(decimal.NewFromInt(2))
	return a.Sub(b).Abs().Div(mid).Mul(hundred)
}

// confidenceScore grades execution quality out of 100.
func confidenceScore(a, b exchange.FundingSnapshot, priceDiff decimal.Decimal, staleAfter time.Duration, now time.Time) int {
	score := 100

	pd, _ := priceDiff.Float64()
	if pd > 0.1 {
		score -= 10
	}
	if pd > 0.3 {
		score -= 15
	}
	for _, snap := range []exchange.FundingSnapshot{a, b} {
		if snap.Volume24h > 0 && snap.Volume24h < lowVolumeFloor {
			score -= 10
		}
		if staleAfter > 0 && now.Sub(snap.Timestamp) > staleAfter {
			score -= 10
		}
	}
	if !a.MarkPrice.IsPositive() || !b.MarkPrice.IsPositive() {
		score -= 15
	}
	if score < 0 {
		score = 0
	}
	return score
}
