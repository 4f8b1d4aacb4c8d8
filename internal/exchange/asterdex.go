package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb-alerts/internal/config"
)

// AsterdexName identifies the venue in snapshots and status rows.
const AsterdexName = "asterdex"

// Asterdex speaks a Binance-futures-compatible REST and websocket API.
type Asterdex struct {
	cfg     config.VenueConfig
	logger  zerolog.Logger
	client  *http.Client
	baseURL string

	ws       *wsConn
	disp     *dispatcher
	live     *snapshotCache
	rest     *snapshotCache
	markets  *marketCache
	fallback *fundingFallback
	symbols  []string
}

// NewAsterdex constructs the client. fixtures may be nil (and must be nil in
// production).
func NewAsterdex(cfg config.VenueConfig, wsCfg config.WSConfig, marketTTL time.Duration, symbols []string, fixtures FixtureSource, logger zerolog.Logger) *Asterdex {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	log := logger.With().Str("component", "exchange_asterdex").Logger()

	a := &Asterdex{
		cfg:     cfg,
		logger:  log,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		disp:    newDispatcher(log),
		live:    newSnapshotCache(),
		rest:    newSnapshotCache(),
		markets: newMarketCache(marketTTL),
		symbols: symbols,
	}
	a.ws = newWSConn(AsterdexName, cfg.WSURL, wsCfg, log)
	a.ws.onOpen = a.subscribe
	a.ws.onFrame = a.handleFrame
	a.ws.ping = func() interface{} {
		return map[string]interface{}{"method": "LIST_SUBSCRIPTIONS", "id": time.Now().UnixMilli()}
	}
	a.fallback = &fundingFallback{
		name:      AsterdexName,
		connected: a.ws.Connected,
		live:      a.live,
		rest:      a.rest,
		fetch:     a.fetchFundingREST,
		fixtures:  fixtures,
		logger:    log,
	}
	return a
}

// Name returns the venue identifier.
func (a *Asterdex) Name() string { return AsterdexName }

// Initialize opens the websocket. REST remains usable without it.
func (a *Asterdex) Initialize(ctx context.Context) error {
	return a.ws.Connect(ctx)
}

// Disconnect tears down the websocket and its timers.
func (a *Asterdex) Disconnect() { a.ws.Close() }

// Connected reports websocket transport state.
func (a *Asterdex) Connected() bool { return a.ws.Connected() }

// OnMessage registers a handler for one pushed message type.
func (a *Asterdex) OnMessage(t MessageType, handler Handler) { a.disp.On(t, handler) }

// GetFundingRates serves through the shared fallback chain.
func (a *Asterdex) GetFundingRates(ctx context.Context) map[string]FundingSnapshot {
	return a.fallback.Get(ctx)
}

// GetMarkets serves from the TTL'd cache, fully replacing on expiry.
func (a *Asterdex) GetMarkets(ctx context.Context) []Market {
	if a.markets.Fresh() {
		return a.markets.All()
	}
	snaps, err := a.fetchFundingREST(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("markets fetch failed; serving stale cache")
		return a.markets.All()
	}
	markets := make([]Market, 0, len(snaps))
	for _, snap := range snaps {
		markets = append(markets, Market{
			Exchange:  AsterdexName,
			Symbol:    snap.Symbol,
			MarkPrice: snap.MarkPrice,
			Volume24h: snap.Volume24h,
		})
	}
	a.markets.Replace(markets)
	return a.markets.All()
}

// GetMarketInfo returns one market from the same cache.
func (a *Asterdex) GetMarketInfo(ctx context.Context, symbol string) (Market, bool) {
	if !a.markets.Fresh() {
		a.GetMarkets(ctx)
	}
	return a.markets.Get(NormalizeSymbol(symbol))
}

type axPremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	Time            int64  `json:"time"`
}

type axTicker struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
}

// fetchFundingREST runs the premium-index and 24h ticker calls in parallel
// and joins the results by normalized symbol. A missing ticker entry leaves
// volume at zero rather than dropping the snapshot.
func (a *Asterdex) fetchFundingREST(ctx context.Context) (map[string]FundingSnapshot, error) {
	var (
		wg         sync.WaitGroup
		premiums   []axPremiumIndex
		tickers    []axTicker
		premiumErr error
		tickerErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		premiumErr = a.getJSON(ctx, "/fapi/v1/premiumIndex", &premiums)
	}()
	go func() {
		defer wg.Done()
		tickerErr = a.getJSON(ctx, "/fapi/v1/ticker/24hr", &tickers)
	}()
	wg.Wait()

	if premiumErr != nil {
		return nil, fmt.Errorf("premium index: %w", premiumErr)
	}
	if tickerErr != nil {
		a.logger.Warn().Err(tickerErr).Msg("24h ticker fetch failed; volumes default to zero")
	}

	volumes := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		if vol, err := strconv.ParseFloat(t.QuoteVolume, 64); err == nil {
			volumes[NormalizeSymbol(t.Symbol)] = vol
		}
	}

	now := time.Now().UTC()
	snaps := make(map[string]FundingSnapshot, len(premiums))
	for _, p := range premiums {
		funding, err := decimal.NewFromString(p.LastFundingRate)
		if err != nil {
			a.logger.Debug().Err(err).Str("symbol", p.Symbol).Msg("skipping malformed premium index")
			continue
		}
		mark, err := decimal.NewFromString(p.MarkPrice)
		if err != nil {
			a.logger.Debug().Err(err).Str("symbol", p.Symbol).Msg("skipping malformed premium index")
			continue
		}
		symbol := NormalizeSymbol(p.Symbol)
		ts := now
		if p.Time > 0 {
			ts = time.UnixMilli(p.Time).UTC()
		}
		snap := FundingSnapshot{
			Exchange:    AsterdexName,
			Symbol:      symbol,
			FundingRate: funding,
			MarkPrice:   mark,
			Volume24h:   volumes[symbol],
			Timestamp:   ts,
		}
		if index, err := decimal.NewFromString(p.IndexPrice); err == nil {
			snap.IndexPrice = &index
		}
		snaps[symbol] = snap
	}
	return snaps, nil
}

// FetchCandleHistory pulls 1m klines for the backfill path. Payload rows are
// returned raw; the caller owns parsing and validation.
func (a *Asterdex) FetchCandleHistory(ctx context.Context, symbol string, from, to time.Time) ([]json.RawMessage, error) {
	path := fmt.Sprintf("/fapi/v1/klines?symbol=%sUSDT&interval=1m&startTime=%d&endTime=%d&limit=1000",
		NormalizeSymbol(symbol), from.UnixMilli(), to.UnixMilli())

	var rows []json.RawMessage
	if err := a.getJSON(ctx, path, &rows); err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	return rows, nil
}

func (a *Asterdex) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return json.Unmarshal(payload, out)
}

func (a *Asterdex) subscribe(conn *websocket.Conn) error {
	params := make([]string, 0, len(a.symbols)*3)
	for _, symbol := range a.symbols {
		stream := strings.ToLower(NormalizeSymbol(symbol)) + "usdt"
		params = append(params,
			stream+"@aggTrade",
			stream+"@markPrice",
			stream+"@depth",
		)
	}
	sub := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     1,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe streams: %w", err)
	}
	return nil
}

func (a *Asterdex) handleFrame(data []byte) {
	var probe struct {
		Event string `json:"e"`
		ID    *int64 `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		a.logger.Debug().Err(err).Msg("malformed frame dropped")
		return
	}

	switch probe.Event {
	case "markPriceUpdate":
		a.handleMarkPrice(data)
	case "aggTrade":
		a.handleTrade(data)
	case "depthUpdate":
		a.handleDepth(data)
	case "":
		if probe.ID != nil {
			// Subscription ack or keepalive response.
			a.disp.Dispatch(Message{Type: MsgHeartbeat})
			return
		}
		a.disp.Unknown("(no event field)")
	default:
		a.disp.Unknown(probe.Event)
	}
}

func (a *Asterdex) handleMarkPrice(data []byte) {
	var frame struct {
		Symbol      string `json:"s"`
		MarkPrice   string `json:"p"`
		IndexPrice  string `json:"i"`
		FundingRate string `json:"r"`
		EventTime   int64  `json:"E"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		a.logger.Debug().Err(err).Msg("malformed mark price dropped")
		return
	}
	funding, err := decimal.NewFromString(frame.FundingRate)
	if err != nil {
		a.logger.Debug().Err(err).Str("symbol", frame.Symbol).Msg("malformed mark price dropped")
		return
	}
	mark, err := decimal.NewFromString(frame.MarkPrice)
	if err != nil {
		a.logger.Debug().Err(err).Str("symbol", frame.Symbol).Msg("malformed mark price dropped")
		return
	}

	symbol := NormalizeSymbol(frame.Symbol)
	prior, hadPrior := a.live.All()[symbol]
	snap := FundingSnapshot{
		Exchange:    AsterdexName,
		Symbol:      symbol,
		FundingRate: funding,
		MarkPrice:   mark,
		Timestamp:   time.UnixMilli(frame.EventTime).UTC(),
	}
	if hadPrior {
		snap.Volume24h = prior.Volume24h
	}
	if index, err := decimal.NewFromString(frame.IndexPrice); err == nil {
		snap.IndexPrice = &index
	}
	a.live.Set(snap)
	a.disp.Dispatch(Message{Type: MsgFundingSingle, Funding: &snap})

	mid := snap.MarkPrice.InexactFloat64()
	event := StreamEvent{
		Kind:      "mid",
		Exchange:  AsterdexName,
		Symbol:    symbol,
		Price:     mid,
		Timestamp: snap.Timestamp,
	}
	a.disp.Dispatch(Message{Type: MsgMarketData, Market: &event})
}

func (a *Asterdex) handleTrade(data []byte) {
	var frame struct {
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Quantity  string `json:"q"`
		Maker     bool   `json:"m"`
		TradeTime int64  `json:"T"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		a.logger.Debug().Err(err).Msg("malformed trade dropped")
		return
	}
	price, err := strconv.ParseFloat(frame.Price, 64)
	if err != nil || price <= 0 {
		return
	}
	size, _ := strconv.ParseFloat(frame.Quantity, 64)

	side := "buy"
	if frame.Maker {
		side = "sell"
	}
	event := StreamEvent{
		Kind:      "trade",
		Exchange:  AsterdexName,
		Symbol:    NormalizeSymbol(frame.Symbol),
		Price:     price,
		Size:      size,
		Side:      side,
		Timestamp: time.UnixMilli(frame.TradeTime).UTC(),
	}
	a.disp.Dispatch(Message{Type: MsgMarketData, Market: &event})
}

func (a *Asterdex) handleDepth(data []byte) {
	var frame struct {
		Symbol    string          `json:"s"`
		EventTime int64           `json:"E"`
		Bids      json.RawMessage `json:"b"`
		Asks      json.RawMessage `json:"a"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		a.logger.Debug().Err(err).Msg("malformed depth dropped")
		return
	}
	event := StreamEvent{
		Kind:      "book",
		Exchange:  AsterdexName,
		Symbol:    NormalizeSymbol(frame.Symbol),
		Bids:      frame.Bids,
		Asks:      frame.Asks,
		Timestamp: time.UnixMilli(frame.EventTime).UTC(),
	}
	a.disp.Dispatch(Message{Type: MsgMarketData, Market: &event})
}

var _ Client = (*Asterdex)(nil)
