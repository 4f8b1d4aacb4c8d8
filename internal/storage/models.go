package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Urgency buckets shared by both opportunity classes.
const (
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
	UrgencyLow    = "low"
)

// FundingRateRecord is one persisted funding observation for a venue symbol.
type FundingRateRecord struct {
	Exchange      string
	Symbol        string
	FundingRate   decimal.Decimal
	AnnualizedPct decimal.Decimal
	MarkPrice     decimal.Decimal
	IndexPrice    *decimal.Decimal
	Volume24h     float64
	Rank          int
	Timestamp     time.Time
}

// Candle is a persisted OHLCV bucket. Unique on (symbol, bucket_start).
type Candle struct {
	Symbol      string
	BucketStart time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	VWAP        float64
	Bid         *float64
	Ask         *float64
}

// OrderBookSnapshot is an append-only raw book record.
type OrderBookSnapshot struct {
	Exchange  string
	Symbol    string
	Bids      json.RawMessage
	Asks      json.RawMessage
	Timestamp time.Time
}

// TradeTick is an append-only raw trade record.
type TradeTick struct {
	Exchange  string
	Symbol    string
	Price     float64
	Size      float64
	Side      string
	Timestamp time.Time
}

// TradeLeg is one side of a recommended two-leg position.
type TradeLeg struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
}

// TradeAction is the structured two-leg descriptor attached to a
// cross-exchange opportunity. It is never rendered as free text.
type TradeAction struct {
	Long  TradeLeg `json:"long"`
	Short TradeLeg `json:"short"`
}

// CrossOpportunity is one row of the append-only cross-exchange ledger.
// At most one row per unordered (symbol, exchange_a, exchange_b) key may
// have IsActive set at any time.
type CrossOpportunity struct {
	ID               int64
	Symbol           string
	ExchangeA        string
	ExchangeB        string
	FundingA         decimal.Decimal
	FundingB         decimal.Decimal
	Spread           decimal.Decimal
	AnnualizedSpread decimal.Decimal
	PriceDiffPct     decimal.Decimal
	Urgency          string
	Confidence       int
	LongExchange     string
	ShortExchange    string
	Action           TradeAction
	IsActive         bool
	Timestamp        time.Time
	CreatedAt        time.Time
}

// SingleOpportunity is an extreme-funding signal for one venue symbol.
type SingleOpportunity struct {
	ID             int64
	Exchange       string
	Symbol         string
	Type           string // "long" or "short"
	CurrentFunding decimal.Decimal
	AnnualizedPct  decimal.Decimal
	Score          float64
	Urgency        string
	Reason         string
	IsActive       bool
	Alerted        bool
	Timestamp      time.Time
}

// ExchangeStatus is the health row upserted once per scan per venue.
type ExchangeStatus struct {
	Exchange   string
	Connected  bool
	LastUpdate time.Time
	Symbols    []string
}

// Statistics summarises the ledger for the query surface.
type Statistics struct {
	ActiveOpportunities int64
	TotalOpportunities  int64
	BestSpreadAPR       decimal.Decimal
	AvgSpreadAPR        decimal.Decimal
	ConnectedExchanges  int
}

// Batch carries one flush worth of records for all four ingestion queues.
// The whole batch commits as a single transaction.
type Batch struct {
	Candles []Candle
	Books   []OrderBookSnapshot
	Trades  []TradeTick
	Funding []FundingRateRecord
}

// Size returns the combined record count across all queues.
func (b Batch) Size() int {
	return len(b.Candles) + len(b.Books) + len(b.Trades) + len(b.Funding)
}

// Empty reports whether the batch holds no records.
func (b Batch) Empty() bool {
	return b.Size() == 0
}
