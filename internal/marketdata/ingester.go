package marketdata

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"funding-arb-alerts/internal/config"
	"funding-arb-alerts/internal/coverage"
	"funding-arb-alerts/internal/exchange"
	"funding-arb-alerts/internal/metrics"
	"funding-arb-alerts/internal/storage"
)

// openCandle is the in-progress 1s bucket for one symbol. notional
// accumulates price*size so VWAP falls out at flush time.
type openCandle struct {
	candle   storage.Candle
	notional float64
}

// Ingester aggregates normalized stream events into fixed 1s OHLCV candles
// and batches candles, books, trades and funding records into single-
// transaction storage writes. All event handling happens under one mutex;
// flushes run detached from it.
type Ingester struct {
	cfg     config.IngestionConfig
	writer  storage.BatchWriter
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	open     map[string]*openCandle
	sealed   map[string]time.Time // latest flushed bucket per symbol
	lastSeen map[string]time.Time
	queue    storage.Batch

	flushing atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewIngester(cfg config.IngestionConfig, writer storage.BatchWriter, m *metrics.Metrics, logger zerolog.Logger) *Ingester {
	return &Ingester{
		cfg:      cfg,
		writer:   writer,
		metrics:  m,
		logger:   logger.With().Str("component", "ingester").Logger(),
		open:     make(map[string]*openCandle),
		sealed:   make(map[string]time.Time),
		lastSeen: make(map[string]time.Time),
	}
}

// Attach subscribes the ingester to a client's market-data and funding
// streams. Call before Initialize so no early frames are missed.
func (i *Ingester) Attach(c exchange.Client) {
	c.OnMessage(exchange.MsgMarketData, func(msg exchange.Message) {
		if msg.Market != nil {
			i.HandleEvent(*msg.Market)
		}
	})
	c.OnMessage(exchange.MsgFundingSingle, func(msg exchange.Message) {
		if msg.Funding != nil {
			i.HandleFunding(*msg.Funding)
		}
	})
}

// Start launches the flush ticker and the candle watchdog.
func (i *Ingester) Start(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)

	i.wg.Add(2)
	go func() {
		defer i.wg.Done()
		ticker := time.NewTicker(i.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i.Flush(ctx)
			}
		}
	}()
	go func() {
		defer i.wg.Done()
		ticker := time.NewTicker(i.cfg.BucketSize)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i.SealStale(time.Now())
			}
		}
	}()
}

// Stop cancels the background loops and flushes whatever is queued,
// including still-open candles.
func (i *Ingester) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
	i.wg.Wait()

	i.mu.Lock()
	for sym, oc := range i.open {
		i.enqueueCandleLocked(oc)
		delete(i.open, sym)
	}
	i.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	i.Flush(ctx)
}

// HandleEvent folds one stream event into the current candle for its symbol
// and appends raw trade and book records to their queues.
func (i *Ingester) HandleEvent(ev exchange.StreamEvent) {
	if ev.Symbol == "" || ev.Timestamp.IsZero() {
		return
	}
	if i.metrics != nil {
		i.metrics.TicksProcessed.WithLabelValues(ev.Exchange, ev.Kind).Inc()
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.lastSeen[ev.Symbol] = ev.Timestamp

	switch ev.Kind {
	case "trade":
		i.queue.Trades = append(i.queue.Trades, storage.TradeTick{
			Exchange:  ev.Exchange,
			Symbol:    ev.Symbol,
			Price:     ev.Price,
			Size:      ev.Size,
			Side:      ev.Side,
			Timestamp: ev.Timestamp,
		})
		i.foldPriceLocked(ev)
	case "mid":
		i.foldPriceLocked(ev)
	case "book":
		i.queue.Books = append(i.queue.Books, storage.OrderBookSnapshot{
			Exchange:  ev.Exchange,
			Symbol:    ev.Symbol,
			Bids:      ev.Bids,
			Asks:      ev.Asks,
			Timestamp: ev.Timestamp,
		})
		i.foldBookLocked(ev)
	default:
		return
	}

	if i.metrics != nil {
		i.metrics.RecordsQueued.Inc()
	}
	i.maybeFlushLocked()
}

// HandleFunding queues one funding observation for persistence.
func (i *Ingester) HandleFunding(snap exchange.FundingSnapshot) {
	if snap.Synthetic {
		return
	}
	i.mu.Lock()
	i.queue.Funding = append(i.queue.Funding, storage.FundingRateRecord{
		Exchange:      snap.Exchange,
		Symbol:        snap.Symbol,
		FundingRate:   snap.FundingRate,
		AnnualizedPct: exchange.AnnualizedPct(snap.FundingRate),
		MarkPrice:     snap.MarkPrice,
		IndexPrice:    snap.IndexPrice,
		Volume24h:     snap.Volume24h,
		Timestamp:     snap.Timestamp,
	})
	if i.metrics != nil {
		i.metrics.RecordsQueued.Inc()
	}
	i.maybeFlushLocked()
	i.mu.Unlock()
}

func (i *Ingester) foldPriceLocked(ev exchange.StreamEvent) {
	if ev.Price <= 0 {
		return
	}
	bucket := ev.Timestamp.Truncate(i.cfg.BucketSize)

	if !i.sealed[ev.Symbol].IsZero() && !bucket.After(i.sealed[ev.Symbol]) {
		// Late event for an already-flushed bucket. Dropped, not rewritten.
		if i.metrics != nil {
			i.metrics.RecordsDropped.Inc()
		}
		return
	}

	oc, ok := i.open[ev.Symbol]
	if ok && !oc.candle.BucketStart.Equal(bucket) {
		if bucket.Before(oc.candle.BucketStart) {
			if i.metrics != nil {
				i.metrics.RecordsDropped.Inc()
			}
			return
		}
		i.enqueueCandleLocked(oc)
		ok = false
	}
	if !ok {
		oc = &openCandle{candle: storage.Candle{
			Symbol:      ev.Symbol,
			BucketStart: bucket,
			Open:        ev.Price,
			High:        ev.Price,
			Low:         ev.Price,
			Close:       ev.Price,
		}}
		i.open[ev.Symbol] = oc
	}

	c := &oc.candle
	c.High = math.Max(c.High, ev.Price)
	c.Low = math.Min(c.Low, ev.Price)
	c.Close = ev.Price
	c.Volume += ev.Size
	oc.notional += ev.Price * ev.Size
}

func (i *Ingester) foldBookLocked(ev exchange.StreamEvent) {
	oc, ok := i.open[ev.Symbol]
	if !ok {
		return
	}
	if bid, ok := bestLevelPrice(ev.Bids); ok {
		oc.candle.Bid = &bid
	}
	if ask, ok := bestLevelPrice(ev.Asks); ok {
		oc.candle.Ask = &ask
	}
}

// SealStale force-flushes candles whose bucket has been open longer than the
// grace window, so idle symbols still close their candles on time.
func (i *Ingester) SealStale(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for sym, oc := range i.open {
		if now.Sub(oc.candle.BucketStart) > i.cfg.GraceWindow {
			i.enqueueCandleLocked(oc)
			delete(i.open, sym)
		}
	}
	i.maybeFlushLocked()
}

func (i *Ingester) enqueueCandleLocked(oc *openCandle) {
	c := oc.candle
	if c.Volume > 0 {
		c.VWAP = oc.notional / c.Volume
	} else {
		c.VWAP = c.Close
	}
	if prev := i.sealed[c.Symbol]; c.BucketStart.After(prev) {
		i.sealed[c.Symbol] = c.BucketStart
	}
	i.queue.Candles = append(i.queue.Candles, c)
	if i.metrics != nil {
		i.metrics.RecordsQueued.Inc()
	}
	delete(i.open, c.Symbol)
}

func (i *Ingester) maybeFlushLocked() {
	if i.queue.Size() >= i.cfg.MaxBatch {
		go i.Flush(context.Background())
	}
}

// Flush writes the queued batch in one transaction. Concurrent calls
// coalesce; a failed write drops the batch rather than blocking the feed.
func (i *Ingester) Flush(ctx context.Context) {
	if !i.flushing.CompareAndSwap(false, true) {
		return
	}
	defer i.flushing.Store(false)

	i.mu.Lock()
	batch := i.queue
	i.queue = storage.Batch{}
	i.mu.Unlock()

	if batch.Empty() {
		return
	}
	if err := i.writer.WriteBatch(ctx, batch); err != nil {
		if i.metrics != nil {
			i.metrics.FlushFailures.Inc()
			i.metrics.RecordsDropped.Add(float64(batch.Size()))
		}
		i.logger.Error().Err(err).Int("records", batch.Size()).Msg("flush failed, batch dropped")
		return
	}
	if i.metrics != nil {
		i.metrics.FlushBatches.Inc()
	}
	i.logger.Debug().
		Int("candles", len(batch.Candles)).
		Int("books", len(batch.Books)).
		Int("trades", len(batch.Trades)).
		Int("funding", len(batch.Funding)).
		Msg("batch flushed")
}

// Coverage reports stream freshness for the tracked symbol set.
func (i *Ingester) Coverage(tracked []string, now time.Time) coverage.Snapshot {
	i.mu.Lock()
	seen := make(map[string]time.Time, len(i.lastSeen))
	for k, v := range i.lastSeen {
		seen[k] = v
	}
	i.mu.Unlock()
	return coverage.ComputeCoverageSnapshot(tracked, seen, now, i.cfg.FreshnessWindow)
}

// bestLevelPrice extracts the top-of-book price from a raw levels array.
// Both [["price","size"],...] and [{"px":"price",...},...] shapes occur.
func bestLevelPrice(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var levels []any
	if err := json.Unmarshal(raw, &levels); err != nil || len(levels) == 0 {
		return 0, false
	}
	switch top := levels[0].(type) {
	case []any:
		if len(top) > 0 {
			return toFloat(top[0])
		}
	case map[string]any:
		return firstFloat(top, "px", "price", "p")
	}
	return 0, false
}
