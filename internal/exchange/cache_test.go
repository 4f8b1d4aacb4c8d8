package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func snap(symbol, rate string) FundingSnapshot {
	return FundingSnapshot{
		Exchange:    "test",
		Symbol:      symbol,
		FundingRate: decimal.RequireFromString(rate),
		MarkPrice:   decimal.NewFromInt(100),
		Timestamp:   time.Now(),
	}
}

func TestSnapshotCacheLastWriteWins(t *testing.T) {
	cache := newSnapshotCache()
	cache.Set(snap("BTC", "0.0001"))
	cache.Set(snap("BTC", "0.0005"))

	all := cache.All()
	if len(all) != 1 {
		t.Fatalf("expected one entry, got %d", len(all))
	}
	if !all["BTC"].FundingRate.Equal(decimal.RequireFromString("0.0005")) {
		t.Fatalf("later write should win, got %s", all["BTC"].FundingRate)
	}
}

func TestMarketCacheTTL(t *testing.T) {
	cache := newMarketCache(time.Minute)
	current := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return current }

	if cache.Fresh() {
		t.Fatal("empty cache must not be fresh")
	}

	cache.Replace([]Market{{Exchange: "test", Symbol: "BTC"}})
	if !cache.Fresh() {
		t.Fatal("cache should be fresh right after replace")
	}

	current = current.Add(61 * time.Second)
	if cache.Fresh() {
		t.Fatal("cache should expire after ttl")
	}

	// Stale content stays readable until replaced.
	if _, ok := cache.Get("BTC"); !ok {
		t.Fatal("stale cache should still serve entries")
	}
}

func TestDispatcherRoutesByType(t *testing.T) {
	disp := newDispatcher(zerolog.Nop())

	var fundingCalls, marketCalls int
	disp.On(MsgFundingSingle, func(Message) { fundingCalls++ })
	disp.On(MsgMarketData, func(Message) { marketCalls++ })

	disp.Dispatch(Message{Type: MsgFundingSingle})
	disp.Dispatch(Message{Type: MsgFundingSingle})
	disp.Dispatch(Message{Type: MsgMarketData})
	disp.Dispatch(Message{Type: MsgHeartbeat})

	if fundingCalls != 2 || marketCalls != 1 {
		t.Fatalf("dispatch counts wrong: funding=%d market=%d", fundingCalls, marketCalls)
	}
}

type staticFixtures struct{}

func (staticFixtures) FundingRates(exchange string) map[string]FundingSnapshot {
	return map[string]FundingSnapshot{
		"BTC": {Exchange: exchange, Symbol: "BTC", Synthetic: true},
	}
}

func TestFallbackPrefersLiveCache(t *testing.T) {
	live := newSnapshotCache()
	live.Set(snap("BTC", "0.0003"))

	f := &fundingFallback{
		name:      "test",
		connected: func() bool { return true },
		live:      live,
		rest:      newSnapshotCache(),
		fetch: func(context.Context) (map[string]FundingSnapshot, error) {
			t.Fatal("REST must not be called while live cache serves")
			return nil, nil
		},
		logger: zerolog.Nop(),
	}

	got := f.Get(context.Background())
	if !got["BTC"].FundingRate.Equal(decimal.RequireFromString("0.0003")) {
		t.Fatalf("expected live snapshot, got %#v", got)
	}
}

func TestFallbackRESTThenCachedThenFixtures(t *testing.T) {
	calls := 0
	fetch := func(context.Context) (map[string]FundingSnapshot, error) {
		calls++
		if calls == 1 {
			return map[string]FundingSnapshot{"BTC": snap("BTC", "0.0002")}, nil
		}
		return nil, errors.New("venue down")
	}

	f := &fundingFallback{
		name:      "test",
		connected: func() bool { return false },
		live:      newSnapshotCache(),
		rest:      newSnapshotCache(),
		fetch:     fetch,
		fixtures:  staticFixtures{},
		logger:    zerolog.Nop(),
	}

	first := f.Get(context.Background())
	if !first["BTC"].FundingRate.Equal(decimal.RequireFromString("0.0002")) {
		t.Fatalf("fresh REST result expected, got %#v", first)
	}

	// REST now fails; the last good result must be served.
	second := f.Get(context.Background())
	if !second["BTC"].FundingRate.Equal(decimal.RequireFromString("0.0002")) {
		t.Fatalf("cached REST result expected, got %#v", second)
	}
	if second["BTC"].Synthetic {
		t.Fatal("cached REST data must not be flagged synthetic")
	}
}

func TestFallbackFixturesFlaggedSynthetic(t *testing.T) {
	f := &fundingFallback{
		name:      "test",
		connected: func() bool { return false },
		live:      newSnapshotCache(),
		rest:      newSnapshotCache(),
		fetch: func(context.Context) (map[string]FundingSnapshot, error) {
			return nil, errors.New("venue down")
		},
		fixtures: staticFixtures{},
		logger:   zerolog.Nop(),
	}

	got := f.Get(context.Background())
	if !got["BTC"].Synthetic {
		t.Fatal("fixture data must carry the synthetic flag")
	}
}

func TestFallbackEmptyWithoutFixtures(t *testing.T) {
	f := &fundingFallback{
		name:      "test",
		connected: func() bool { return false },
		live:      newSnapshotCache(),
		rest:      newSnapshotCache(),
		fetch: func(context.Context) (map[string]FundingSnapshot, error) {
			return nil, errors.New("venue down")
		},
		logger: zerolog.Nop(),
	}

	got := f.Get(context.Background())
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil map, got %#v", got)
	}
}
