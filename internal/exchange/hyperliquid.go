package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb-alerts/internal/config"
)

// HyperliquidName identifies the venue in snapshots and status rows.
const HyperliquidName = "hyperliquid"

// Hyperliquid speaks the venue's info REST endpoint and its websocket feed.
type Hyperliquid struct {
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

// NewHyperliquid constructs the client. symbols bounds the WS subscription
// set; fixtures may be nil (and must be nil in production).
func NewHyperliquid(cfg config.VenueConfig, wsCfg config.WSConfig, marketTTL time.Duration, symbols []string, fixtures FixtureSource, logger zerolog.Logger) *Hyperliquid {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	log := logger.With().Str("component", "exchange_hyperliquid").Logger()

	h := &Hyperliquid{
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
	h.ws = newWSConn(HyperliquidName, cfg.WSURL, wsCfg, log)
	h.ws.onOpen = h.subscribe
	h.ws.onFrame = h.handleFrame
	h.ws.ping = func() interface{} { return map[string]string{"method": "ping"} }
	h.fallback = &fundingFallback{
		name:      HyperliquidName,
		connected: h.ws.Connected,
		live:      h.live,
		rest:      h.rest,
		fetch:     h.fetchFundingREST,
		fixtures:  fixtures,
		logger:    log,
	}
	return h
}

// Name returns the venue identifier.
func (h *Hyperliquid) Name() string { return HyperliquidName }

// Initialize opens the websocket. REST remains usable without it.
func (h *Hyperliquid) Initialize(ctx context.Context) error {
	return h.ws.Connect(ctx)
}

// Disconnect tears down the websocket and its timers.
func (h *Hyperliquid) Disconnect() { h.ws.Close() }

// Connected reports websocket transport state.
func (h *Hyperliquid) Connected() bool { return h.ws.Connected() }

// OnMessage registers a handler for one pushed message type.
func (h *Hyperliquid) OnMessage(t MessageType, handler Handler) { h.disp.On(t, handler) }

// GetFundingRates serves through the shared fallback chain.
func (h *Hyperliquid) GetFundingRates(ctx context.Context) map[string]FundingSnapshot {
	return h.fallback.Get(ctx)
}

// GetMarkets serves from the TTL'd cache, refetching and fully replacing the
// content on expiry.
func (h *Hyperliquid) GetMarkets(ctx context.Context) []Market {
	if h.markets.Fresh() {
		return h.markets.All()
	}
	markets, err := h.fetchMarketsREST(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("markets fetch failed; serving stale cache")
		return h.markets.All()
	}
	h.markets.Replace(markets)
	return h.markets.All()
}

// GetMarketInfo returns one market from the same cache.
func (h *Hyperliquid) GetMarketInfo(ctx context.Context, symbol string) (Market, bool) {
	if !h.markets.Fresh() {
		h.GetMarkets(ctx)
	}
	return h.markets.Get(NormalizeSymbol(symbol))
}

// metaAndAssetCtxs returns [meta, ctxs] with ctxs aligned to universe index.
type hlMeta struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}

type hlAssetCtx struct {
	Funding   string `json:"funding"`
	MarkPx    string `json:"markPx"`
	OraclePx  string `json:"oraclePx"`
	DayNtlVlm string `json:"dayNtlVlm"`
}

func (h *Hyperliquid) fetchFundingREST(ctx context.Context) (map[string]FundingSnapshot, error) {
	meta, ctxs, err := h.fetchMetaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	snaps := make(map[string]FundingSnapshot, len(meta.Universe))
	for i, asset := range meta.Universe {
		if i >= len(ctxs) {
			break
		}
		snap, err := hlSnapshot(asset.Name, ctxs[i], now)
		if err != nil {
			h.logger.Debug().Err(err).Str("coin", asset.Name).Msg("skipping malformed asset ctx")
			continue
		}
		snaps[snap.Symbol] = snap
	}
	return snaps, nil
}

func hlSnapshot(coin string, ctx hlAssetCtx, now time.Time) (FundingSnapshot, error) {
	funding, err := decimal.NewFromString(ctx.Funding)
	if err != nil {
		return FundingSnapshot{}, fmt.Errorf("parse funding: %w", err)
	}
	mark, err := decimal.NewFromString(ctx.MarkPx)
	if err != nil {
		return FundingSnapshot{}, fmt.Errorf("parse mark price: %w", err)
	}
	volume, _ := strconv.ParseFloat(ctx.DayNtlVlm, 64)

	snap := FundingSnapshot{
		Exchange:    HyperliquidName,
		Symbol:      NormalizeSymbol(coin),
		FundingRate: funding,
		MarkPrice:   mark,
		Volume24h:   volume,
		Timestamp:   now,
	}
	if oracle, err := decimal.NewFromString(ctx.OraclePx); err == nil {
		snap.IndexPrice = &oracle
	}
	return snap, nil
}

func (h *Hyperliquid) fetchMarketsREST(ctx context.Context) ([]Market, error) {
	meta, ctxs, err := h.fetchMetaAndCtxs(ctx)
	if err != nil {
		return nil, err
	}
	markets := make([]Market, 0, len(meta.Universe))
	for i, asset := range meta.Universe {
		if i >= len(ctxs) {
			break
		}
		mark, err := decimal.NewFromString(ctxs[i].MarkPx)
		if err != nil {
			continue
		}
		volume, _ := strconv.ParseFloat(ctxs[i].DayNtlVlm, 64)
		markets = append(markets, Market{
			Exchange:  HyperliquidName,
			Symbol:    NormalizeSymbol(asset.Name),
			MarkPrice: mark,
			Volume24h: volume,
		})
	}
	return markets, nil
}

// FetchCandleHistory pulls 1m candle snapshots for the backfill path.
func (h *Hyperliquid) FetchCandleHistory(ctx context.Context, symbol string, from, to time.Time) ([]json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      NormalizeSymbol(symbol),
			"interval":  "1m",
			"startTime": from.UnixMilli(),
			"endTime":   to.UnixMilli(),
		},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hyperliquid candleSnapshot status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode candle snapshot: %w", err)
	}
	return rows, nil
}

func (h *Hyperliquid) fetchMetaAndCtxs(ctx context.Context) (hlMeta, []hlAssetCtx, error) {
	body, err := json.Marshal(map[string]string{"type": "metaAndAssetCtxs"})
	if err != nil {
		return hlMeta{}, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return hlMeta{}, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return hlMeta{}, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return hlMeta{}, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return hlMeta{}, nil, fmt.Errorf("hyperliquid info status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return hlMeta{}, nil, fmt.Errorf("decode info response: %w", err)
	}
	if len(raw) < 2 {
		return hlMeta{}, nil, fmt.Errorf("info response has %d elements, want 2", len(raw))
	}

	var meta hlMeta
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return hlMeta{}, nil, fmt.Errorf("decode meta: %w", err)
	}
	var ctxs []hlAssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return hlMeta{}, nil, fmt.Errorf("decode asset ctxs: %w", err)
	}
	return meta, ctxs, nil
}

func (h *Hyperliquid) subscribe(conn *websocket.Conn) error {
	for _, symbol := range h.symbols {
		coin := NormalizeSymbol(symbol)
		for _, feed := range []string{"trades", "l2Book", "activeAssetCtx"} {
			sub := map[string]interface{}{
				"method": "subscribe",
				"subscription": map[string]string{
					"type": feed,
					"coin": coin,
				},
			}
			if err := conn.WriteJSON(sub); err != nil {
				return fmt.Errorf("subscribe %s/%s: %w", feed, coin, err)
			}
		}
	}
	return nil
}

type hlFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (h *Hyperliquid) handleFrame(data []byte) {
	var frame hlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Debug().Err(err).Msg("malformed frame dropped")
		return
	}

	switch frame.Channel {
	case "activeAssetCtx":
		h.handleAssetCtx(frame.Data)
	case "trades":
		h.handleTrades(frame.Data)
	case "l2Book":
		h.handleBook(frame.Data)
	case "pong", "subscriptionResponse":
		h.disp.Dispatch(Message{Type: MsgHeartbeat})
	case "error":
		h.disp.Dispatch(Message{Type: MsgError, Err: fmt.Errorf("hyperliquid ws error: %s", string(frame.Data))})
	default:
		h.disp.Unknown(frame.Channel)
	}
}

func (h *Hyperliquid) handleAssetCtx(data []byte) {
	var payload struct {
		Coin string     `json:"coin"`
		Ctx  hlAssetCtx `json:"ctx"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		h.logger.Debug().Err(err).Msg("malformed asset ctx dropped")
		return
	}
	snap, err := hlSnapshot(payload.Coin, payload.Ctx, time.Now().UTC())
	if err != nil {
		h.logger.Debug().Err(err).Str("coin", payload.Coin).Msg("malformed asset ctx dropped")
		return
	}
	h.live.Set(snap)
	h.disp.Dispatch(Message{Type: MsgFundingSingle, Funding: &snap})
}

func (h *Hyperliquid) handleTrades(data []byte) {
	var trades []struct {
		Coin string `json:"coin"`
		Side string `json:"side"`
		Px   string `json:"px"`
		Sz   string `json:"sz"`
		Time int64  `json:"time"`
	}
	if err := json.Unmarshal(data, &trades); err != nil {
		h.logger.Debug().Err(err).Msg("malformed trades dropped")
		return
	}
	for _, t := range trades {
		price, err := strconv.ParseFloat(t.Px, 64)
		if err != nil || price <= 0 {
			continue
		}
		size, _ := strconv.ParseFloat(t.Sz, 64)
		side := "sell"
		if t.Side == "B" {
			side = "buy"
		}
		event := StreamEvent{
			Kind:      "trade",
			Exchange:  HyperliquidName,
			Symbol:    NormalizeSymbol(t.Coin),
			Price:     price,
			Size:      size,
			Side:      side,
			Timestamp: time.UnixMilli(t.Time).UTC(),
		}
		h.disp.Dispatch(Message{Type: MsgMarketData, Market: &event})
	}
}

func (h *Hyperliquid) handleBook(data []byte) {
	var book struct {
		Coin   string            `json:"coin"`
		Levels [][]json.RawMessage `json:"levels"`
		Time   int64             `json:"time"`
	}
	if err := json.Unmarshal(data, &book); err != nil {
		h.logger.Debug().Err(err).Msg("malformed book dropped")
		return
	}
	event := StreamEvent{
		Kind:      "book",
		Exchange:  HyperliquidName,
		Symbol:    NormalizeSymbol(book.Coin),
		Timestamp: time.UnixMilli(book.Time).UTC(),
	}
	if len(book.Levels) > 0 {
		if bids, err := json.Marshal(book.Levels[0]); err == nil {
			event.Bids = bids
		}
	}
	if len(book.Levels) > 1 {
		if asks, err := json.Marshal(book.Levels[1]); err == nil {
			event.Asks = asks
		}
	}
	h.disp.Dispatch(Message{Type: MsgMarketData, Market: &event})
}

var _ Client = (*Hyperliquid)(nil)
