package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertCandleSQL = `INSERT INTO market_candles (
        symbol, bucket_start, open, high, low, close, volume, vwap, bid, ask
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    ON CONFLICT (symbol, bucket_start) DO UPDATE
    SET open = EXCLUDED.open,
        high = EXCLUDED.high,
        low = EXCLUDED.low,
        close = EXCLUDED.close,
        volume = EXCLUDED.volume,
        vwap = EXCLUDED.vwap,
        bid = EXCLUDED.bid,
        ask = EXCLUDED.ask;`

	insertBookSQL = `INSERT INTO order_books (exchange, symbol, bids, asks, ts)
    VALUES ($1,$2,$3,$4,$5);`

	insertTradeSQL = `INSERT INTO trade_ticks (exchange, symbol, price, size, side, ts)
    VALUES ($1,$2,$3,$4,$5,$6);`

	insertFundingSQL = `INSERT INTO funding_rates (
        exchange, symbol, funding_rate, annualized_pct, mark_price, index_price, volume_24h, rank, ts
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	deactivateCrossOppSQL = `UPDATE cross_opportunities
    SET is_active = FALSE
    WHERE symbol = $1
      AND ((exchange_a = $2 AND exchange_b = $3) OR (exchange_a = $3 AND exchange_b = $2))
      AND is_active;`

	insertCrossOppSQL = `INSERT INTO cross_opportunities (
        symbol, exchange_a, exchange_b, funding_a, funding_b, spread, annualized_spread,
        price_diff_pct, urgency, confidence, long_exchange, short_exchange, action, is_active, ts
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,TRUE,$14)
    RETURNING id, created_at;`

	deactivateStaleCrossOppSQL = `UPDATE cross_opportunities
    SET is_active = FALSE
    WHERE is_active AND ts < $1;`

	insertSingleOppSQL = `INSERT INTO single_opportunities (
        exchange, symbol, opp_type, current_funding, annualized_pct, score, urgency, reason, is_active, alerted, ts
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`

	upsertExchangeStatusSQL = `INSERT INTO exchange_status (exchange, connected, last_update, symbols)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (exchange) DO UPDATE
    SET connected = EXCLUDED.connected,
        last_update = EXCLUDED.last_update,
        symbols = EXCLUDED.symbols;`

	selectCrossOppColumns = `SELECT id, symbol, exchange_a, exchange_b, funding_a, funding_b,
        spread, annualized_spread, price_diff_pct, urgency, confidence,
        long_exchange, short_exchange, action, is_active, ts, created_at
    FROM cross_opportunities`

	listActiveOppsSQL = selectCrossOppColumns + `
    WHERE is_active AND abs(spread) >= $1
    ORDER BY abs(annualized_spread) DESC;`

	listOppsByUrgencySQL = selectCrossOppColumns + `
    WHERE is_active AND urgency = $1
    ORDER BY abs(annualized_spread) DESC;`

	oppBySymbolSQL = selectCrossOppColumns + `
    WHERE is_active AND symbol = $1
    ORDER BY abs(annualized_spread) DESC
    LIMIT 1;`

	listHistoricalOppsSQL = selectCrossOppColumns + `
    WHERE symbol = $1 AND ts >= $2
    ORDER BY ts DESC;`

	listExchangeStatusSQL = `SELECT exchange, connected, last_update, symbols
    FROM exchange_status ORDER BY exchange;`

	statsSQL = `SELECT
        COUNT(*) FILTER (WHERE is_active),
        COUNT(*),
        COALESCE(MAX(abs(annualized_spread)) FILTER (WHERE is_active), 0),
        COALESCE(AVG(abs(annualized_spread)) FILTER (WHERE is_active), 0)
    FROM cross_opportunities;`

	connectedExchangesSQL = `SELECT COUNT(*) FROM exchange_status WHERE connected;`
)

// BatchWriter persists one flush worth of ingestion records atomically.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch Batch) error
}

// OpportunityLedger owns the append-only cross-exchange ledger.
type OpportunityLedger interface {
	SaveCrossOpportunity(ctx context.Context, opp CrossOpportunity) (CrossOpportunity, error)
	DeactivateStaleBefore(ctx context.Context, cutoff time.Time) (int64, error)
	UpsertExchangeStatus(ctx context.Context, status ExchangeStatus) error
}

// ScanStore persists scanner output.
type ScanStore interface {
	InsertFundingRates(ctx context.Context, records []FundingRateRecord) error
	InsertSingleOpportunities(ctx context.Context, opps []SingleOpportunity) error
}

// OpportunityReader is the read-only query surface consumed by the API.
type OpportunityReader interface {
	ActiveOpportunities(ctx context.Context, minSpread decimal.Decimal) ([]CrossOpportunity, error)
	OpportunitiesByUrgency(ctx context.Context, level string) ([]CrossOpportunity, error)
	OpportunityBySymbol(ctx context.Context, symbol string) (*CrossOpportunity, error)
	HistoricalOpportunities(ctx context.Context, symbol string, hours int) ([]CrossOpportunity, error)
	ExchangeInfo(ctx context.Context) ([]ExchangeStatus, error)
	Stats(ctx context.Context) (Statistics, error)
}

// Store aggregates access to all persisted record types.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// WriteBatch commits all four record types in one transaction. A candle that
// collides on (symbol, bucket_start) replaces the stored row; raw books and
// trades are append-only.
func (s *Store) WriteBatch(ctx context.Context, batch Batch) error {
	if batch.Empty() {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range batch.Candles {
		if _, err := tx.Exec(ctx, insertCandleSQL,
			c.Symbol, c.BucketStart, c.Open, c.High, c.Low, c.Close, c.Volume, c.VWAP, c.Bid, c.Ask,
		); err != nil {
			return fmt.Errorf("insert candle: %w", err)
		}
	}
	for _, b := range batch.Books {
		if _, err := tx.Exec(ctx, insertBookSQL,
			b.Exchange, b.Symbol, []byte(b.Bids), []byte(b.Asks), b.Timestamp,
		); err != nil {
			return fmt.Errorf("insert order book: %w", err)
		}
	}
	for _, t := range batch.Trades {
		if _, err := tx.Exec(ctx, insertTradeSQL,
			t.Exchange, t.Symbol, t.Price, t.Size, t.Side, t.Timestamp,
		); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
	}
	for _, f := range batch.Funding {
		if err := execInsertFunding(ctx, tx, f); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func execInsertFunding(ctx context.Context, tx pgx.Tx, f FundingRateRecord) error {
	var index interface{}
	if f.IndexPrice != nil {
		index = f.IndexPrice.String()
	}
	if _, err := tx.Exec(ctx, insertFundingSQL,
		f.Exchange, f.Symbol, f.FundingRate.String(), f.AnnualizedPct.String(),
		f.MarkPrice.String(), index, f.Volume24h, f.Rank, f.Timestamp,
	); err != nil {
		return fmt.Errorf("insert funding rate: %w", err)
	}
	return nil
}

// InsertFundingRates persists scanner funding observations outside the
// batched ingestion path.
func (s *Store) InsertFundingRates(ctx context.Context, records []FundingRateRecord) error {
	if len(records) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin funding insert: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, f := range records {
		if err := execInsertFunding(ctx, tx, f); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit funding insert: %w", err)
	}
	return nil
}

// InsertSingleOpportunities persists extreme-funding signals.
func (s *Store) InsertSingleOpportunities(ctx context.Context, opps []SingleOpportunity) error {
	if len(opps) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, o := range opps {
		if _, err := pool.Exec(ctx, insertSingleOppSQL,
			o.Exchange, o.Symbol, o.Type, o.CurrentFunding.String(), o.AnnualizedPct.String(),
			o.Score, o.Urgency, o.Reason, o.IsActive, o.Alerted, o.Timestamp,
		); err != nil {
			return fmt.Errorf("insert single opportunity: %w", err)
		}
	}
	return nil
}

// SaveCrossOpportunity deactivates the prior active row for the unordered
// (symbol, exchangeA, exchangeB) key and inserts the new row in the same
// transaction, preserving the single-logical-current invariant.
func (s *Store) SaveCrossOpportunity(ctx context.Context, opp CrossOpportunity) (CrossOpportunity, error) {
	pool, err := s.getPool()
	if err != nil {
		return CrossOpportunity{}, err
	}

	action, err := json.Marshal(opp.Action)
	if err != nil {
		return CrossOpportunity{}, fmt.Errorf("marshal trade action: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return CrossOpportunity{}, fmt.Errorf("begin ledger write: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, deactivateCrossOppSQL, opp.Symbol, opp.ExchangeA, opp.ExchangeB); err != nil {
		return CrossOpportunity{}, fmt.Errorf("deactivate prior opportunity: %w", err)
	}

	row := tx.QueryRow(ctx, insertCrossOppSQL,
		opp.Symbol, opp.ExchangeA, opp.ExchangeB,
		opp.FundingA.String(), opp.FundingB.String(), opp.Spread.String(),
		opp.AnnualizedSpread.String(), opp.PriceDiffPct.String(),
		opp.Urgency, opp.Confidence, opp.LongExchange, opp.ShortExchange,
		action, opp.Timestamp,
	)
	if err := row.Scan(&opp.ID, &opp.CreatedAt); err != nil {
		return CrossOpportunity{}, fmt.Errorf("insert opportunity: %w", err)
	}
	opp.IsActive = true

	if err := tx.Commit(ctx); err != nil {
		return CrossOpportunity{}, fmt.Errorf("commit ledger write: %w", err)
	}
	return opp, nil
}

// DeactivateStaleBefore flips any active row older than cutoff, regardless of
// key. Staleness alone invalidates an opportunity.
func (s *Store) DeactivateStaleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deactivateStaleCrossOppSQL, cutoff)
	if execErr != nil {
		return 0, fmt.Errorf("deactivate stale opportunities: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// UpsertExchangeStatus records venue health independent of opportunity writes.
func (s *Store) UpsertExchangeStatus(ctx context.Context, status ExchangeStatus) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertExchangeStatusSQL,
		status.Exchange, status.Connected, status.LastUpdate, status.Symbols,
	); execErr != nil {
		return fmt.Errorf("upsert exchange status: %w", execErr)
	}
	return nil
}

// ActiveOpportunities lists active ledger rows at or above minSpread,
// ordered by |annualized spread| descending.
func (s *Store) ActiveOpportunities(ctx context.Context, minSpread decimal.Decimal) ([]CrossOpportunity, error) {
	return s.queryCrossOpps(ctx, listActiveOppsSQL, minSpread.String())
}

// OpportunitiesByUrgency lists active rows in one urgency bucket.
func (s *Store) OpportunitiesByUrgency(ctx context.Context, level string) ([]CrossOpportunity, error) {
	return s.queryCrossOpps(ctx, listOppsByUrgencySQL, level)
}

// OpportunityBySymbol returns the strongest active row for a symbol, or nil.
func (s *Store) OpportunityBySymbol(ctx context.Context, symbol string) (*CrossOpportunity, error) {
	opps, err := s.queryCrossOpps(ctx, oppBySymbolSQL, symbol)
	if err != nil {
		return nil, err
	}
	if len(opps) == 0 {
		return nil, nil
	}
	return &opps[0], nil
}

// HistoricalOpportunities lists ledger rows for a symbol over the past hours,
// active or not.
func (s *Store) HistoricalOpportunities(ctx context.Context, symbol string, hours int) ([]CrossOpportunity, error) {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	return s.queryCrossOpps(ctx, listHistoricalOppsSQL, symbol, since)
}

// ExchangeInfo lists one health row per venue.
func (s *Store) ExchangeInfo(ctx context.Context) ([]ExchangeStatus, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listExchangeStatusSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list exchange status: %w", queryErr)
	}
	defer rows.Close()

	statuses := make([]ExchangeStatus, 0)
	for rows.Next() {
		var st ExchangeStatus
		if err := rows.Scan(&st.Exchange, &st.Connected, &st.LastUpdate, &st.Symbols); err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return statuses, nil
}

// Stats summarises the ledger and venue health.
func (s *Store) Stats(ctx context.Context) (Statistics, error) {
	pool, err := s.getPool()
	if err != nil {
		return Statistics{}, err
	}

	var stats Statistics
	var bestStr, avgStr string
	if scanErr := pool.QueryRow(ctx, statsSQL).Scan(
		&stats.ActiveOpportunities, &stats.TotalOpportunities, &bestStr, &avgStr,
	); scanErr != nil {
		return Statistics{}, fmt.Errorf("query statistics: %w", scanErr)
	}

	var convErr error
	stats.BestSpreadAPR, convErr = decimal.NewFromString(bestStr)
	if convErr != nil {
		return Statistics{}, fmt.Errorf("parse best spread: %w", convErr)
	}
	stats.AvgSpreadAPR, convErr = decimal.NewFromString(avgStr)
	if convErr != nil {
		return Statistics{}, fmt.Errorf("parse avg spread: %w", convErr)
	}

	if scanErr := pool.QueryRow(ctx, connectedExchangesSQL).Scan(&stats.ConnectedExchanges); scanErr != nil {
		return Statistics{}, fmt.Errorf("count connected exchanges: %w", scanErr)
	}
	return stats, nil
}

// DeleteOlderThan removes raw records and inactive ledger rows older than the
// retention window. Active ledger rows are never deleted here.
func (s *Store) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, errors.New("retention days must be greater than zero")
	}
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var total int64
	statements := []string{
		`DELETE FROM funding_rates WHERE ts < $1;`,
		`DELETE FROM market_candles WHERE bucket_start < $1;`,
		`DELETE FROM order_books WHERE ts < $1;`,
		`DELETE FROM trade_ticks WHERE ts < $1;`,
		`DELETE FROM cross_opportunities WHERE ts < $1 AND NOT is_active;`,
		`DELETE FROM single_opportunities WHERE ts < $1 AND NOT is_active;`,
	}
	for _, stmt := range statements {
		tag, execErr := pool.Exec(ctx, stmt, cutoff)
		if execErr != nil {
			return total, fmt.Errorf("cleanup old data: %w", execErr)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func (s *Store) queryCrossOpps(ctx context.Context, sql string, args ...interface{}) ([]CrossOpportunity, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, sql, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("query opportunities: %w", queryErr)
	}
	defer rows.Close()

	opps := make([]CrossOpportunity, 0)
	for rows.Next() {
		opp, scanErr := scanCrossOpportunity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		opps = append(opps, opp)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return opps, nil
}

func scanCrossOpportunity(rows pgx.Rows) (CrossOpportunity, error) {
	var (
		opp        CrossOpportunity
		fundingA   string
		fundingB   string
		spread     string
		annualized string
		priceDiff  string
		action     []byte
	)

	if err := rows.Scan(
		&opp.ID, &opp.Symbol, &opp.ExchangeA, &opp.ExchangeB,
		&fundingA, &fundingB, &spread, &annualized, &priceDiff,
		&opp.Urgency, &opp.Confidence, &opp.LongExchange, &opp.ShortExchange,
		&action, &opp.IsActive, &opp.Timestamp, &opp.CreatedAt,
	); err != nil {
		return CrossOpportunity{}, err
	}

	for _, conv := range []struct {
		dst *decimal.Decimal
		src string
		tag string
	}{
		{&opp.FundingA, fundingA, "funding_a"},
		{&opp.FundingB, fundingB, "funding_b"},
		{&opp.Spread, spread, "spread"},
		{&opp.AnnualizedSpread, annualized, "annualized_spread"},
		{&opp.PriceDiffPct, priceDiff, "price_diff_pct"},
	} {
		parsed, err := decimal.NewFromString(conv.src)
		if err != nil {
			return CrossOpportunity{}, fmt.Errorf("parse %s: %w", conv.tag, err)
		}
		*conv.dst = parsed
	}

	if err := json.Unmarshal(action, &opp.Action); err != nil {
		return CrossOpportunity{}, fmt.Errorf("parse trade action: %w", err)
	}
	return opp, nil
}
