package detector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb-alerts/internal/config"
	"funding-arb-alerts/internal/exchange"
	"funding-arb-alerts/internal/metrics"
	"funding-arb-alerts/internal/storage"
)

func testDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{
		MinSpread:           0.0001,
		MinAnnualizedSpread: 15,
		PriceDiffThreshold:  0.5,
		HighUrgencyAPR:      100,
		MediumUrgencyAPR:    50,
		StaleAfter:          5 * time.Minute,
		LedgerSweepAge:      30 * time.Minute,
	}
}

func venueSnap(venue, rate, mark string, volume float64, ts time.Time) exchange.FundingSnapshot {
	return exchange.FundingSnapshot{
		Exchange:    venue,
		Symbol:      "BTC",
		FundingRate: decimal.RequireFromString(rate),
		MarkPrice:   decimal.RequireFromString(mark),
		Volume24h:   volume,
		Timestamp:   ts,
	}
}

func TestEvaluateDivergentFunding(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := venueSnap("hyperliquid", "0.0008", "60000", 5_000_000, now)
	b := venueSnap("asterdex", "-0.0002", "60010", 5_000_000, now)

	opp, ok := Evaluate("BTC", a, b, testDetectorConfig(), now)
	if !ok {
		t.Fatal("divergent funding should produce an opportunity")
	}

	if !opp.Spread.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("spread = %s, want 0.001", opp.Spread)
	}
	if !opp.AnnualizedSpread.Equal(decimal.RequireFromString("109.5")) {
		t.Fatalf("annualized = %s, want 109.5", opp.AnnualizedSpread)
	}
	if opp.ShortExchange != "hyperliquid" || opp.LongExchange != "asterdex" {
		t.Fatalf("legs wrong: short=%s long=%s", opp.ShortExchange, opp.LongExchange)
	}
	if opp.Urgency != storage.UrgencyHigh {
		t.Fatalf("109.5%% APR should be high urgency, got %q", opp.Urgency)
	}
	if opp.Action.Short.Exchange != "hyperliquid" || opp.Action.Long.Exchange != "asterdex" {
		t.Fatalf("action legs wrong: %+v", opp.Action)
	}
	if !opp.IsActive {
		t.Fatal("new opportunities start active")
	}
	if opp.Confidence != 100 {
		t.Fatalf("healthy snapshot pair should score 100, got %d", opp.Confidence)
	}
}

func TestEvaluateOrderIndependentLegs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := venueSnap("hyperliquid", "0.0008", "60000", 5_000_000, now)
	b := venueSnap("asterdex", "-0.0002", "60010", 5_000_000, now)

	first, ok1 := Evaluate("BTC", a, b, testDetectorConfig(), now)
	second, ok2 := Evaluate("BTC", b, a, testDetectorConfig(), now)
	if !ok1 || !ok2 {
		t.Fatal("both orders should produce an opportunity")
	}
	if first.ShortExchange != second.ShortExchange || first.LongExchange != second.LongExchange {
		t.Fatalf("legs depend on argument order: %+v vs %+v", first, second)
	}
	if !first.Spread.Abs().Equal(second.Spread.Abs()) {
		t.Fatalf("spread magnitude differs: %s vs %s", first.Spread, second.Spread)
	}
}

func TestEvaluateSpreadBoundaryIsStrict(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	cfg := testDetectorConfig()

	// Spread exactly at the floor passes the raw check but must fail the
	// annualized floor only when below it: 0.0001 * 109500 = 10.95% < 15%.
	a := venueSnap("hyperliquid", "0.0001", "60000", 5_000_000, now)
	b := venueSnap("asterdex", "0", "60000", 5_000_000, now)
	if _, ok := Evaluate("BTC", a, b, cfg, now); ok {
		t.Fatal("10.95% APR is below the annualized floor")
	}

	// Below the raw spread floor is rejected outright.
	c := venueSnap("hyperliquid", "0.00009", "60000", 5_000_000, now)
	if _, ok := Evaluate("BTC", c, b, cfg, now); ok {
		t.Fatal("spread below the floor must be rejected")
	}

	// At both floors exactly: raw 0.0001 passes (not less than), and an
	// annualized floor of 10.95 admits it.
	cfg.MinAnnualizedSpread = 10.95
	if _, ok := Evaluate("BTC", a, b, cfg, now); !ok {
		t.Fatal("values equal to both floors must pass")
	}
}

func TestEvaluatePriceDivergenceRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()

	a := venueSnap("hyperliquid", "0.0008", "60000", 5_000_000, now)
	b := venueSnap("asterdex", "-0.0002", "61000", 5_000_000, now) // ~1.65% apart

	if _, ok := Evaluate("BTC", a, b, testDetectorConfig(), now); ok {
		t.Fatal("mark prices too far apart must be rejected")
	}
}

func TestEvaluateConfidencePenalties(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	cfg := testDetectorConfig()

	// Slight price divergence: 60000 vs 60100 is ~0.166%, one -10 penalty.
	a := venueSnap("hyperliquid", "0.0008", "60000", 5_000_000, now)
	b := venueSnap("asterdex", "-0.0002", "60100", 5_000_000, now)
	opp, ok := Evaluate("BTC", a, b, cfg, now)
	if !ok {
		t.Fatal("pair should still qualify")
	}
	if opp.Confidence != 90 {
		t.Fatalf("confidence = %d, want 90", opp.Confidence)
	}

	// A thin venue costs another 10. Anything under a million of 24h
	// volume counts as thin.
	b.Volume24h = 500_000
	opp, _ = Evaluate("BTC", a, b, cfg, now)
	if opp.Confidence != 80 {
		t.Fatalf("confidence = %d, want 80", opp.Confidence)
	}

	// A stale venue costs another 10.
	b.Timestamp = now.Add(-10 * time.Minute)
	opp, _ = Evaluate("BTC", a, b, cfg, now)
	if opp.Confidence != 70 {
		t.Fatalf("confidence = %d, want 70", opp.Confidence)
	}
}

func TestEvaluateConfidenceUnknownVolume(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()

	// Zero volume means the venue did not report one; the thin-venue
	// penalty only applies to a reported figure under the floor.
	a := venueSnap("hyperliquid", "0.0008", "60000", 5_000_000, now)
	b := venueSnap("asterdex", "-0.0002", "60000", 0, now)

	opp, ok := Evaluate("BTC", a, b, testDetectorConfig(), now)
	if !ok {
		t.Fatal("pair should qualify")
	}
	if opp.Confidence != 100 {
		t.Fatalf("confidence = %d, want 100", opp.Confidence)
	}
}

func TestEvaluateBothMarksMissing(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()

	// The missing-mark penalty is flat: one deduction whether one leg or
	// both lack a usable mark price.
	a := venueSnap("hyperliquid", "0.0008", "0", 5_000_000, now)
	b := venueSnap("asterdex", "-0.0002", "0", 5_000_000, now)

	opp, ok := Evaluate("BTC", a, b, testDetectorConfig(), now)
	if !ok {
		t.Fatal("missing marks should degrade confidence, not reject")
	}
	if opp.Confidence != 85 {
		t.Fatalf("confidence = %d, want 85", opp.Confidence)
	}
}

func TestEvaluateMissingMarkPrice(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()

	a := venueSnap("hyperliquid", "0.0008", "60000", 5_000_000, now)
	b := venueSnap("asterdex", "-0.0002", "0", 5_000_000, now)

	opp, ok := Evaluate("BTC", a, b, testDetectorConfig(), now)
	if !ok {
		t.Fatal("missing mark should degrade confidence, not reject")
	}
	if !opp.PriceDiffPct.IsZero() {
		t.Fatalf("price diff with missing mark = %s, want 0", opp.PriceDiffPct)
	}
	if opp.Confidence != 85 {
		t.Fatalf("confidence = %d, want 85", opp.Confidence)
	}
}

type fakeClient struct {
	name  string
	snaps map[string]exchange.FundingSnapshot
}

func (f *fakeClient) Name() string                     { return f.name }
func (f *fakeClient) Initialize(context.Context) error { return nil }
func (f *fakeClient) Disconnect()                      {}
func (f *fakeClient) Connected() bool                  { return true }
func (f *fakeClient) GetMarkets(context.Context) []exchange.Market {
	return nil
}
func (f *fakeClient) GetMarketInfo(context.Context, string) (exchange.Market, bool) {
	return exchange.Market{}, false
}
func (f *fakeClient) OnMessage(exchange.MessageType, exchange.Handler) {}
func (f *fakeClient) GetFundingRates(context.Context) map[string]exchange.FundingSnapshot {
	return f.snaps
}

type fakeSource struct{ clients []exchange.Client }

func (f *fakeSource) All() []exchange.Client { return f.clients }

type fakeLedger struct {
	saved    []storage.CrossOpportunity
	statuses []storage.ExchangeStatus
	sweeps   []time.Time
}

func (f *fakeLedger) SaveCrossOpportunity(_ context.Context, opp storage.CrossOpportunity) (storage.CrossOpportunity, error) {
	opp.ID = int64(len(f.saved) + 1)
	f.saved = append(f.saved, opp)
	return opp, nil
}

func (f *fakeLedger) DeactivateStaleBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.sweeps = append(f.sweeps, cutoff)
	return 0, nil
}

func (f *fakeLedger) UpsertExchangeStatus(_ context.Context, status storage.ExchangeStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func TestDetectOrdersBySpreadMagnitude(t *testing.T) {
	now := time.Now().UTC()
	hl := &fakeClient{name: "hyperliquid", snaps: map[string]exchange.FundingSnapshot{
		"BTC": venueSnap("hyperliquid", "0.0008", "60000", 5_000_000, now),
		"ETH": {Exchange: "hyperliquid", Symbol: "ETH", FundingRate: decimal.RequireFromString("0.0003"), MarkPrice: decimal.NewFromInt(3000), Volume24h: 5_000_000, Timestamp: now},
	}}
	ax := &fakeClient{name: "asterdex", snaps: map[string]exchange.FundingSnapshot{
		"BTC": venueSnap("asterdex", "-0.0002", "60000", 5_000_000, now),
		"ETH": {Exchange: "asterdex", Symbol: "ETH", FundingRate: decimal.RequireFromString("0.0001"), MarkPrice: decimal.NewFromInt(3000), Volume24h: 5_000_000, Timestamp: now},
	}}

	ledger := &fakeLedger{}
	d := New(testDetectorConfig(), &fakeSource{clients: []exchange.Client{hl, ax}}, ledger, nil, metrics.New(), zerolog.Nop())

	results := d.Detect(context.Background())

	if len(results) != 2 {
		t.Fatalf("expected two opportunities, got %d", len(results))
	}
	// BTC spread 0.001 (109.5% APR) outranks ETH spread 0.0002 (21.9%).
	if results[0].Symbol != "BTC" || results[1].Symbol != "ETH" {
		t.Fatalf("order wrong: %s then %s", results[0].Symbol, results[1].Symbol)
	}
	if len(ledger.saved) != 2 {
		t.Fatalf("both opportunities should persist, got %d", len(ledger.saved))
	}
	if results[0].ID == 0 {
		t.Fatal("persisted rows should carry database identity")
	}
	if len(ledger.statuses) != 2 {
		t.Fatalf("one status row per venue expected, got %d", len(ledger.statuses))
	}
	if len(ledger.sweeps) != 1 {
		t.Fatalf("one ledger sweep per cycle expected, got %d", len(ledger.sweeps))
	}
}

func TestDetectNeedsTwoVenues(t *testing.T) {
	now := time.Now().UTC()
	hl := &fakeClient{name: "hyperliquid", snaps: map[string]exchange.FundingSnapshot{
		"BTC": venueSnap("hyperliquid", "0.0008", "60000", 5_000_000, now),
	}}
	ax := &fakeClient{name: "asterdex", snaps: map[string]exchange.FundingSnapshot{}}

	ledger := &fakeLedger{}
	d := New(testDetectorConfig(), &fakeSource{clients: []exchange.Client{hl, ax}}, ledger, nil, metrics.New(), zerolog.Nop())

	if results := d.Detect(context.Background()); len(results) != 0 {
		t.Fatalf("single-venue symbol must not produce opportunities: %#v", results)
	}
	// Status rows are written even when nothing qualifies.
	if len(ledger.statuses) != 2 {
		t.Fatalf("status rows missing: %d", len(ledger.statuses))
	}
}

func TestUpdateConfigPartial(t *testing.T) {
	d := New(testDetectorConfig(), &fakeSource{}, &fakeLedger{}, nil, metrics.New(), zerolog.Nop())

	newMin := 0.0005
	d.UpdateConfig(ConfigPatch{MinSpread: &newMin})

	cfg := d.Config()
	if cfg.MinSpread != 0.0005 {
		t.Fatalf("MinSpread = %f", cfg.MinSpread)
	}
	if cfg.MinAnnualizedSpread != 15 {
		t.Fatalf("untouched field changed: %f", cfg.MinAnnualizedSpread)
	}
}
