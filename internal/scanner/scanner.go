package scanner

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb-alerts/internal/config"
	"funding-arb-alerts/internal/exchange"
	"funding-arb-alerts/internal/metrics"
	"funding-arb-alerts/internal/storage"
)

// historyLen is the per-symbol ring capacity; trend only ever looks at the
// most recent few samples.
const historyLen = 24

// trendWindow is how many prior samples feed the trend baseline.
const trendWindow = 3

// Trend classifies funding magnitude movement against recent history.
type Trend int

const (
	TrendStable Trend = iota
	TrendIncreasing
	TrendDecreasing
)

func (t Trend) String() string {
	switch t {
	case TrendIncreasing:
		return "increasing"
	case TrendDecreasing:
		return "decreasing"
	default:
		return "stable"
	}
}

// ring is a fixed-size float buffer. Old samples are overwritten in place.
type ring struct {
	vals []float64
	next int
	size int
}

func newRing(n int) *ring {
	return &ring{vals: make([]float64, n)}
}

func (r *ring) Push(v float64) {
	r.vals[r.next] = v
	r.next = (r.next + 1) % len(r.vals)
	if r.size < len(r.vals) {
		r.size++
	}
}

// Last returns up to n most recent samples, newest last.
func (r *ring) Last(n int) []float64 {
	if n > r.size {
		n = r.size
	}
	out := make([]float64, 0, n)
	for k := n; k > 0; k-- {
		idx := (r.next - k + len(r.vals)) % len(r.vals)
		out = append(out, r.vals[idx])
	}
	return out
}

// symbolCategories drives the per-cycle sector diagnostics. Symbols not
// listed fall into no category and are skipped.
var symbolCategories = map[string][]string{
	"majors": {"BTC", "ETH"},
	"layer1": {"SOL", "AVAX", "SUI", "APT", "SEI"},
	"layer2": {"ARB", "OP", "STRK", "MATIC"},
	"defi":   {"UNI", "AAVE", "CRV", "LDO", "PENDLE"},
	"meme":   {"DOGE", "SHIB", "PEPE", "WIF", "BONK"},
}

// categoryDivergencePct is the intra-category APR gap, in percent, beyond
// which a diagnostic line is logged.
const categoryDivergencePct = 10.0

// ClientSource yields the venue clients to sweep. *exchange.Registry
// satisfies it.
type ClientSource interface {
	All() []exchange.Client
}

// Scanner runs single-venue funding sweeps: scoring, ranking, trend tracking
// and extreme-rate opportunity emission.
type Scanner struct {
	cfg      config.ScannerConfig
	registry ClientSource
	store    storage.ScanStore
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	history map[string]*ring // keyed exchange|symbol
}

func New(cfg config.ScannerConfig, registry ClientSource, store storage.ScanStore, m *metrics.Metrics, logger zerolog.Logger) *Scanner {
	return &Scanner{
		cfg:      cfg,
		registry: registry,
		store:    store,
		metrics:  m,
		logger:   logger.With().Str("component", "scanner").Logger(),
		history:  make(map[string]*ring),
	}
}

// Scan sweeps every registered venue once. Persistence failures are logged;
// the sweep itself never fails.
func (s *Scanner) Scan(ctx context.Context) {
	for _, client := range s.registry.All() {
		s.scanVenue(ctx, client)
	}
	if s.metrics != nil {
		s.metrics.ScanCycles.WithLabelValues("scanner").Inc()
	}
}

func (s *Scanner) scanVenue(ctx context.Context, client exchange.Client) {
	snaps := client.GetFundingRates(ctx)
	if len(snaps) == 0 {
		s.logger.Debug().Str("exchange", client.Name()).Msg("no funding data this cycle")
		return
	}

	records := make([]storage.FundingRateRecord, 0, len(snaps))
	for _, snap := range snaps {
		records = append(records, storage.FundingRateRecord{
			Exchange:      snap.Exchange,
			Symbol:        snap.Symbol,
			FundingRate:   snap.FundingRate,
			AnnualizedPct: exchange.AnnualizedPct(snap.FundingRate),
			MarkPrice:     snap.MarkPrice,
			IndexPrice:    snap.IndexPrice,
			Volume24h:     snap.Volume24h,
			Timestamp:     snap.Timestamp,
		})
	}

	// Rank by absolute annualized rate, most extreme first.
	sort.Slice(records, func(a, b int) bool {
		av, bv := records[a].AnnualizedPct.Abs(), records[b].AnnualizedPct.Abs()
		if !av.Equal(bv) {
			return av.GreaterThan(bv)
		}
		return records[a].Symbol < records[b].Symbol
	})
	for idx := range records {
		records[idx].Rank = idx + 1
	}

	opps := make([]storage.SingleOpportunity, 0, 4)
	for _, rec := range records {
		trend := s.observe(rec.Exchange, rec.Symbol, rec.AnnualizedPct)
		if opp, ok := s.classify(rec, trend); ok {
			opps = append(opps, opp)
		}
	}

	if err := s.store.InsertFundingRates(ctx, records); err != nil {
		s.logger.Error().Err(err).Str("exchange", client.Name()).Msg("persist funding rates")
		if s.metrics != nil {
			s.metrics.ScanFailures.WithLabelValues("scanner").Inc()
		}
	}
	if len(opps) > 0 {
		if err := s.store.InsertSingleOpportunities(ctx, opps); err != nil {
			s.logger.Error().Err(err).Str("exchange", client.Name()).Msg("persist single opportunities")
			if s.metrics != nil {
				s.metrics.ScanFailures.WithLabelValues("scanner").Inc()
			}
		}
	}

	s.logCategoryDivergence(client.Name(), records)
}

// observe records the sample and returns the trend against recent history.
func (s *Scanner) observe(exchangeName, symbol string, apr decimal.Decimal) Trend {
	key := exchangeName + "|" + symbol
	mag, _ := apr.Abs().Float64()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.history[key]
	if !ok {
		r = newRing(historyLen)
		s.history[key] = r
	}
	trend := classifyTrend(mag, r.Last(trendWindow))
	r.Push(mag)
	return trend
}

// classifyTrend compares the current magnitude against the mean of the prior
// samples, with a dead band of ten percent of that mean. Too little history
// reads as stable.
func classifyTrend(current float64, prior []float64) Trend {
	if len(prior) < trendWindow {
		return TrendStable
	}
	var sum float64
	for _, v := range prior {
		sum += v
	}
	mean := sum / float64(len(prior))
	band := mean * 0.10
	switch {
	case current > mean+band:
		return TrendIncreasing
	case current < mean-band:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// Score grades one funding observation out of 100: up to 60 for rate
// magnitude, up to 20 for liquidity, up to 20 for a strengthening trend.
func Score(aprPct decimal.Decimal, volume24h float64, trend Trend) float64 {
	mag, _ := aprPct.Abs().Float64()

	rateScore := math.Min(60, mag/100*60)
	volScore := math.Min(20, math.Log10(volume24h+1)/10*20)

	var trendScore float64
	switch trend {
	case TrendIncreasing:
		trendScore = 20
	case TrendStable:
		trendScore = 10
	}
	return rateScore + volScore + trendScore
}

func (s *Scanner) classify(rec storage.FundingRateRecord, trend Trend) (storage.SingleOpportunity, bool) {
	thresholdPct := s.cfg.ExtremeAPR * 100
	apr, _ := rec.AnnualizedPct.Float64()
	if math.Abs(apr) <= thresholdPct {
		return storage.SingleOpportunity{}, false
	}

	// Negative funding pays longs, positive funding pays shorts.
	side := "short"
	reason := "longs pay shorts at an extreme rate"
	if rec.FundingRate.IsNegative() {
		side = "long"
		reason = "shorts pay longs at an extreme rate"
	}

	urgency := storage.UrgencyLow
	switch {
	case math.Abs(apr) >= 100:
		urgency = storage.UrgencyHigh
	case math.Abs(apr) >= 75:
		urgency = storage.UrgencyMedium
	}

	return storage.SingleOpportunity{
		Exchange:       rec.Exchange,
		Symbol:         rec.Symbol,
		Type:           side,
		CurrentFunding: rec.FundingRate,
		AnnualizedPct:  rec.AnnualizedPct,
		Score:          Score(rec.AnnualizedPct, rec.Volume24h, trend),
		Urgency:        urgency,
		Reason:         reason,
		IsActive:       true,
		Timestamp:      rec.Timestamp,
	}, true
}

// logCategoryDivergence surfaces intra-sector funding gaps. Diagnostics only;
// nothing is persisted.
func (s *Scanner) logCategoryDivergence(exchangeName string, records []storage.FundingRateRecord) {
	bySymbol := make(map[string]decimal.Decimal, len(records))
	for _, rec := range records {
		bySymbol[rec.Symbol] = rec.AnnualizedPct
	}

	for category, symbols := range symbolCategories {
		var (
			minSym, maxSym string
			minV, maxV     decimal.Decimal
			seen           int
		)
		for _, sym := range symbols {
			apr, ok := bySymbol[sym]
			if !ok {
				continue
			}
			if seen == 0 || apr.LessThan(minV) {
				minV, minSym = apr, sym
			}
			if seen == 0 || apr.GreaterThan(maxV) {
				maxV, maxSym = apr, sym
			}
			seen++
		}
		if seen < 2 {
			continue
		}
		gap, _ := maxV.Sub(minV).Float64()
		if gap > categoryDivergencePct {
			s.logger.Info().
				Str("exchange", exchangeName).
				Str("category", category).
				Str("highest", maxSym).
				Str("lowest", minSym).
				Float64("gap_apr_pct", gap).
				Msg("funding divergence inside category")
		}
	}
}
