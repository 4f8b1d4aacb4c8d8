package exchange

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MessageType discriminates pushed websocket messages.
type MessageType string

const (
	MsgFundingSingle MessageType = "funding-single"
	MsgFundingBatch  MessageType = "funding-batch"
	MsgMarketData    MessageType = "market-data"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgError         MessageType = "error"
)

// FundingSnapshot is one normalized funding observation. Immutable once built;
// the symbol is always normalized before use as a cache key.
type FundingSnapshot struct {
	Exchange    string
	Symbol      string
	FundingRate decimal.Decimal
	MarkPrice   decimal.Decimal
	IndexPrice  *decimal.Decimal
	Volume24h   float64
	Timestamp   time.Time
	// Synthetic marks fixture data. Never set on production paths.
	Synthetic bool
}

// Market describes one tradable perpetual on a venue.
type Market struct {
	Exchange  string
	Symbol    string
	MarkPrice decimal.Decimal
	Volume24h float64
}

// StreamEvent is a normalized market-data tick from a multiplexed feed.
type StreamEvent struct {
	Kind      string // "trade", "book", "mid"
	Exchange  string
	Symbol    string
	Price     float64
	Size      float64
	Side      string
	Bids      json.RawMessage
	Asks      json.RawMessage
	Timestamp time.Time
}

// Message is the dispatch envelope handed to OnMessage handlers. Exactly one
// payload field is populated, matching Type.
type Message struct {
	Type         MessageType
	Funding      *FundingSnapshot
	FundingBatch []FundingSnapshot
	Market       *StreamEvent
	Err          error
}

// Handler consumes pushed messages of one type.
type Handler func(msg Message)

// Client is the per-venue contract. Read methods never return transport
// errors; they fall back through the cache chain and return empty collections
// when nothing is available.
type Client interface {
	Name() string
	Initialize(ctx context.Context) error
	Disconnect()
	Connected() bool
	GetFundingRates(ctx context.Context) map[string]FundingSnapshot
	GetMarkets(ctx context.Context) []Market
	GetMarketInfo(ctx context.Context, symbol string) (Market, bool)
	OnMessage(t MessageType, h Handler)
}

// CandleHistorySource is implemented by clients that can serve historical
// candles over REST. The backfill path type-asserts for it.
type CandleHistorySource interface {
	FetchCandleHistory(ctx context.Context, symbol string, from, to time.Time) ([]json.RawMessage, error)
}

// Perpetual funding settles every 8 hours, three times a day.
var annualizationFactor = decimal.NewFromInt(3 * 365 * 100)

// AnnualizedPct converts an 8-hour funding rate into an annualized percentage.
// A rate of 0.0001 per period is 10.95 percent a year.
func AnnualizedPct(rate decimal.Decimal) decimal.Decimal {
	return rate.Mul(annualizationFactor)
}

var quoteSuffixes = []string{"USDT", "USDC", "USD", "-PERP", "PERP"}

// NormalizeSymbol maps venue spellings onto the shared key space: uppercase
// with the quote suffix stripped (BTCUSDT, BTC-PERP and btc all become BTC).
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, suffix := range quoteSuffixes {
		if len(s) > len(suffix) && strings.HasSuffix(s, suffix) {
			return strings.TrimSuffix(s, suffix)
		}
	}
	return s
}
