package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb-alerts/internal/config"
	"funding-arb-alerts/internal/exchange"
	"funding-arb-alerts/internal/metrics"
	"funding-arb-alerts/internal/storage"
)

type captureWriter struct {
	mu      sync.Mutex
	batches []storage.Batch
	err     error
}

func (w *captureWriter) WriteBatch(ctx context.Context, batch storage.Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, batch)
	return nil
}

func (w *captureWriter) all() []storage.Batch {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]storage.Batch, len(w.batches))
	copy(out, w.batches)
	return out
}

func testIngesterConfig() config.IngestionConfig {
	return config.IngestionConfig{
		Symbols:         []string{"BTC"},
		BucketSize:      time.Second,
		GraceWindow:     1500 * time.Millisecond,
		FlushInterval:   time.Hour,
		MaxBatch:        10_000,
		FreshnessWindow: 30 * time.Second,
	}
}

func newTestIngester(writer storage.BatchWriter) *Ingester {
	return NewIngester(testIngesterConfig(), writer, metrics.New(), zerolog.Nop())
}

func trade(symbol string, price, size float64, ts time.Time) exchange.StreamEvent {
	return exchange.StreamEvent{
		Kind:      "trade",
		Exchange:  "test",
		Symbol:    symbol,
		Price:     price,
		Size:      size,
		Side:      "buy",
		Timestamp: ts,
	}
}

func TestIngesterAggregatesBucket(t *testing.T) {
	writer := &captureWriter{}
	ing := newTestIngester(writer)
	base := time.Unix(1_700_000_000, 0).UTC()

	ing.HandleEvent(trade("BTC", 100, 1, base.Add(100*time.Millisecond)))
	ing.HandleEvent(trade("BTC", 110, 2, base.Add(400*time.Millisecond)))
	ing.HandleEvent(trade("BTC", 90, 1, base.Add(700*time.Millisecond)))
	ing.HandleEvent(trade("BTC", 105, 0, base.Add(900*time.Millisecond)))

	// Crossing into the next bucket seals the first candle.
	ing.HandleEvent(trade("BTC", 106, 1, base.Add(1100*time.Millisecond)))
	ing.Flush(context.Background())

	batches := writer.all()
	if len(batches) != 1 {
		t.Fatalf("expected one flush, got %d", len(batches))
	}
	batch := batches[0]
	if len(batch.Candles) != 1 {
		t.Fatalf("expected one sealed candle, got %d", len(batch.Candles))
	}
	c := batch.Candles[0]
	if !c.BucketStart.Equal(base) {
		t.Fatalf("bucket start = %s", c.BucketStart)
	}
	if c.Open != 100 || c.High != 110 || c.Low != 90 || c.Close != 105 {
		t.Fatalf("ohlc wrong: %+v", c)
	}
	if c.Volume != 4 {
		t.Fatalf("volume = %f", c.Volume)
	}
	// VWAP over sized trades only: (100*1 + 110*2 + 90*1) / 4 = 102.5.
	if c.VWAP != 102.5 {
		t.Fatalf("vwap = %f", c.VWAP)
	}
	if len(batch.Trades) != 5 {
		t.Fatalf("expected five raw ticks, got %d", len(batch.Trades))
	}
}

func TestIngesterDropsLateEvents(t *testing.T) {
	writer := &captureWriter{}
	ing := newTestIngester(writer)
	base := time.Unix(1_700_000_000, 0).UTC()

	ing.HandleEvent(trade("BTC", 100, 1, base))
	ing.HandleEvent(trade("BTC", 200, 1, base.Add(time.Second))) // seals bucket 0

	// Late arrival for the sealed bucket must not reopen or rewrite it.
	ing.HandleEvent(trade("BTC", 999, 1, base.Add(500*time.Millisecond)))

	ing.SealStale(base.Add(time.Hour))
	ing.Flush(context.Background())

	batches := writer.all()
	if len(batches) != 1 {
		t.Fatalf("expected one flush, got %d", len(batches))
	}
	for _, c := range batches[0].Candles {
		if c.High == 999 {
			t.Fatalf("late event leaked into candle: %+v", c)
		}
	}
}

func TestIngesterWatchdogSealsIdleCandle(t *testing.T) {
	writer := &captureWriter{}
	ing := newTestIngester(writer)
	base := time.Unix(1_700_000_000, 0).UTC()

	// A mid event updates the candle without queueing a raw tick.
	ing.HandleEvent(exchange.StreamEvent{
		Kind: "mid", Exchange: "test", Symbol: "BTC", Price: 100, Timestamp: base,
	})

	// Inside the grace window nothing is sealed.
	ing.SealStale(base.Add(1400 * time.Millisecond))
	ing.Flush(context.Background())
	if len(writer.all()) != 0 {
		t.Fatal("candle sealed before grace expired")
	}

	ing.SealStale(base.Add(1600 * time.Millisecond))
	ing.Flush(context.Background())

	batches := writer.all()
	if len(batches) != 1 || len(batches[0].Candles) != 1 {
		t.Fatalf("watchdog should have sealed one candle: %#v", batches)
	}
}

func TestIngesterFlushGuardCoalesces(t *testing.T) {
	writer := &captureWriter{}
	ing := newTestIngester(writer)
	base := time.Unix(1_700_000_000, 0).UTC()

	ing.HandleEvent(trade("BTC", 100, 1, base))

	ing.flushing.Store(true)
	ing.Flush(context.Background())
	if len(writer.all()) != 0 {
		t.Fatal("flush should be skipped while another is in flight")
	}
	ing.flushing.Store(false)
}

func TestIngesterFailedFlushDropsBatch(t *testing.T) {
	writer := &captureWriter{err: errors.New("db down")}
	ing := newTestIngester(writer)
	base := time.Unix(1_700_000_000, 0).UTC()

	ing.HandleEvent(trade("BTC", 100, 1, base))
	ing.Flush(context.Background())

	// Recover the writer; the dropped batch must not reappear.
	writer.mu.Lock()
	writer.err = nil
	writer.mu.Unlock()

	ing.Flush(context.Background())
	if len(writer.all()) != 0 {
		t.Fatal("failed batch should be dropped, not retried")
	}
}

func TestIngesterFundingQueue(t *testing.T) {
	writer := &captureWriter{}
	ing := newTestIngester(writer)

	ing.HandleFunding(exchange.FundingSnapshot{
		Exchange:    "test",
		Symbol:      "BTC",
		FundingRate: decimal.RequireFromString("0.0001"),
		MarkPrice:   decimal.NewFromInt(60000),
		Timestamp:   time.Now(),
	})
	ing.HandleFunding(exchange.FundingSnapshot{
		Exchange:  "test",
		Symbol:    "ETH",
		Synthetic: true,
	})

	ing.Flush(context.Background())

	batches := writer.all()
	if len(batches) != 1 || len(batches[0].Funding) != 1 {
		t.Fatalf("expected one funding record, got %#v", batches)
	}
	rec := batches[0].Funding[0]
	if !rec.AnnualizedPct.Equal(decimal.RequireFromString("10.95")) {
		t.Fatalf("annualized = %s", rec.AnnualizedPct)
	}
}

func TestIngesterCoverage(t *testing.T) {
	writer := &captureWriter{}
	ing := newTestIngester(writer)
	base := time.Unix(1_700_000_000, 0).UTC()

	ing.HandleEvent(trade("BTC", 100, 1, base))

	snap := ing.Coverage([]string{"BTC", "ETH"}, base.Add(10*time.Second))
	if snap.Fresh != 1 || snap.Stale != 1 {
		t.Fatalf("coverage = %+v", snap)
	}
	if len(snap.StaleSymbols) != 1 || snap.StaleSymbols[0] != "ETH" {
		t.Fatalf("stale symbols = %v", snap.StaleSymbols)
	}
}
