package exchange

import (
	"context"

	"github.com/rs/zerolog"
)

// FixtureSource supplies synthetic funding data for environments without
// venue access. Implementations are wired only when the application does not
// run in production; snapshot entries must carry Synthetic=true.
type FixtureSource interface {
	FundingRates(exchange string) map[string]FundingSnapshot
}

// fundingFallback implements the read precedence shared by all venues:
// live WS cache (when connected and non-empty), then a fresh REST fetch,
// then the last good REST result, then (outside production only) the
// explicitly flagged fixture source. It never returns an error; a read API
// degraded all the way down yields an empty map.
type fundingFallback struct {
	name      string
	connected func() bool
	live      *snapshotCache
	rest      *snapshotCache
	fetch     func(ctx context.Context) (map[string]FundingSnapshot, error)
	fixtures  FixtureSource
	logger    zerolog.Logger
}

func (f *fundingFallback) Get(ctx context.Context) map[string]FundingSnapshot {
	if f.connected() && f.live.Len() > 0 {
		return f.live.All()
	}

	snaps, err := f.fetch(ctx)
	if err == nil && len(snaps) > 0 {
		f.rest.Replace(snaps)
		return snaps
	}
	if err != nil {
		f.logger.Warn().Err(err).Msg("funding REST fetch failed; falling back to cache")
	}

	if cached := f.rest.All(); len(cached) > 0 {
		return cached
	}

	if f.fixtures != nil {
		f.logger.Warn().Msg("serving synthetic funding fixtures")
		return f.fixtures.FundingRates(f.name)
	}

	return map[string]FundingSnapshot{}
}
