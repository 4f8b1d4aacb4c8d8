package storage

import (
	"context"
	"fmt"
)

// Schema is owned by this process. EnsureSchema runs at startup and a
// failure there is fatal: nothing downstream can operate without tables.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS funding_rates (
        id              BIGSERIAL PRIMARY KEY,
        exchange        TEXT NOT NULL,
        symbol          TEXT NOT NULL,
        funding_rate    NUMERIC(20,10) NOT NULL,
        annualized_pct  NUMERIC(20,6) NOT NULL,
        mark_price      NUMERIC(30,10) NOT NULL,
        index_price     NUMERIC(30,10),
        volume_24h      DOUBLE PRECISION NOT NULL DEFAULT 0,
        rank            INTEGER NOT NULL DEFAULT 0,
        ts              TIMESTAMPTZ NOT NULL,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS idx_funding_rates_symbol_ts ON funding_rates (symbol, ts);`,

	`CREATE TABLE IF NOT EXISTS market_candles (
        symbol       TEXT NOT NULL,
        bucket_start TIMESTAMPTZ NOT NULL,
        open         DOUBLE PRECISION NOT NULL,
        high         DOUBLE PRECISION NOT NULL,
        low          DOUBLE PRECISION NOT NULL,
        close        DOUBLE PRECISION NOT NULL,
        volume       DOUBLE PRECISION NOT NULL,
        vwap         DOUBLE PRECISION NOT NULL,
        bid          DOUBLE PRECISION,
        ask          DOUBLE PRECISION,
        PRIMARY KEY (symbol, bucket_start)
    );`,

	`CREATE TABLE IF NOT EXISTS order_books (
        id       BIGSERIAL PRIMARY KEY,
        exchange TEXT NOT NULL,
        symbol   TEXT NOT NULL,
        bids     JSONB NOT NULL,
        asks     JSONB NOT NULL,
        ts       TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_order_books_symbol_ts ON order_books (symbol, ts);`,

	`CREATE TABLE IF NOT EXISTS trade_ticks (
        id       BIGSERIAL PRIMARY KEY,
        exchange TEXT NOT NULL,
        symbol   TEXT NOT NULL,
        price    DOUBLE PRECISION NOT NULL,
        size     DOUBLE PRECISION NOT NULL,
        side     TEXT NOT NULL,
        ts       TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_trade_ticks_symbol_ts ON trade_ticks (symbol, ts);`,

	`CREATE TABLE IF NOT EXISTS cross_opportunities (
        id                BIGSERIAL PRIMARY KEY,
        symbol            TEXT NOT NULL,
        exchange_a        TEXT NOT NULL,
        exchange_b        TEXT NOT NULL,
        funding_a         NUMERIC(20,10) NOT NULL,
        funding_b         NUMERIC(20,10) NOT NULL,
        spread            NUMERIC(20,10) NOT NULL,
        annualized_spread NUMERIC(20,6) NOT NULL,
        price_diff_pct    NUMERIC(20,6) NOT NULL,
        urgency           TEXT NOT NULL,
        confidence        INTEGER NOT NULL,
        long_exchange     TEXT NOT NULL,
        short_exchange    TEXT NOT NULL,
        action            JSONB NOT NULL,
        is_active         BOOLEAN NOT NULL DEFAULT TRUE,
        ts                TIMESTAMPTZ NOT NULL,
        created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS idx_cross_opps_symbol_ts ON cross_opportunities (symbol, ts);`,
	`CREATE INDEX IF NOT EXISTS idx_cross_opps_active ON cross_opportunities (is_active);`,
	`CREATE INDEX IF NOT EXISTS idx_cross_opps_urgency ON cross_opportunities (urgency);`,

	`CREATE TABLE IF NOT EXISTS single_opportunities (
        id              BIGSERIAL PRIMARY KEY,
        exchange        TEXT NOT NULL,
        symbol          TEXT NOT NULL,
        opp_type        TEXT NOT NULL,
        current_funding NUMERIC(20,10) NOT NULL,
        annualized_pct  NUMERIC(20,6) NOT NULL,
        score           DOUBLE PRECISION NOT NULL,
        urgency         TEXT NOT NULL,
        reason          TEXT NOT NULL,
        is_active       BOOLEAN NOT NULL DEFAULT TRUE,
        alerted         BOOLEAN NOT NULL DEFAULT FALSE,
        ts              TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_single_opps_symbol_ts ON single_opportunities (symbol, ts);`,
	`CREATE INDEX IF NOT EXISTS idx_single_opps_active ON single_opportunities (is_active);`,

	`CREATE TABLE IF NOT EXISTS exchange_status (
        exchange    TEXT PRIMARY KEY,
        connected   BOOLEAN NOT NULL,
        last_update TIMESTAMPTZ NOT NULL,
        symbols     TEXT[] NOT NULL DEFAULT '{}'
    );`,
}

// EnsureSchema creates all tables and indexes owned by this process.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
