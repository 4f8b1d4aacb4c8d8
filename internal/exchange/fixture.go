package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// FixtureProvider serves deterministic synthetic funding snapshots for
// development environments. Every snapshot carries Synthetic=true so a
// degraded reading can never masquerade as a real one. The registry only
// wires this outside production.
type FixtureProvider struct {
	symbols []string
}

// NewFixtureProvider builds fixtures for the given tracked symbols.
func NewFixtureProvider(symbols []string) *FixtureProvider {
	return &FixtureProvider{symbols: symbols}
}

var fixtureMarks = map[string]float64{
	"BTC": 60000,
	"ETH": 3000,
	"SOL": 150,
}

// FundingRates returns one flagged snapshot per tracked symbol.
func (f *FixtureProvider) FundingRates(exchange string) map[string]FundingSnapshot {
	now := time.Now().UTC()
	snaps := make(map[string]FundingSnapshot, len(f.symbols))
	for i, symbol := range f.symbols {
		key := NormalizeSymbol(symbol)
		mark, ok := fixtureMarks[key]
		if !ok {
			mark = 100
		}
		// Alternate sign so both long and short paths are exercised.
		rate := decimal.New(1, -4)
		if i%2 == 1 {
			rate = rate.Neg()
		}
		snaps[key] = FundingSnapshot{
			Exchange:    exchange,
			Symbol:      key,
			FundingRate: rate,
			MarkPrice:   decimal.NewFromFloat(mark),
			Volume24h:   5_000_000,
			Timestamp:   now,
			Synthetic:   true,
		}
	}
	return snaps
}

var _ FixtureSource = (*FixtureProvider)(nil)
