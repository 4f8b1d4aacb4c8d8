// Package coverage holds the pure helper functions that drive resubscription
// and backfill decisions. Nothing here performs I/O; callers supply the maps.
package coverage

import (
	"sort"
	"time"

	"funding-arb-alerts/internal/exchange"
)

// Snapshot partitions a tracked symbol set into fresh and stale halves for a
// given staleness window. Derived state only; never persisted.
type Snapshot struct {
	Total        int
	Fresh        int
	Stale        int
	Ratio        float64
	StaleSymbols []string
}

// BuildTrackedSymbols dedupes markets by normalized symbol keeping the
// maximum observed volume, drops symbols below minVolume, and returns the
// rest sorted by volume descending then symbol ascending. Deterministic and
// idempotent.
func BuildTrackedSymbols(markets []exchange.Market, minVolume float64) []string {
	best := make(map[string]float64)
	for _, m := range markets {
		symbol := exchange.NormalizeSymbol(m.Symbol)
		if symbol == "" {
			continue
		}
		if vol, ok := best[symbol]; !ok || m.Volume24h > vol {
			best[symbol] = m.Volume24h
		}
	}

	symbols := make([]string, 0, len(best))
	for symbol, vol := range best {
		if vol < minVolume {
			continue
		}
		symbols = append(symbols, symbol)
	}

	sort.Slice(symbols, func(i, j int) bool {
		vi, vj := best[symbols[i]], best[symbols[j]]
		if vi != vj {
			return vi > vj
		}
		return symbols[i] < symbols[j]
	})
	return symbols
}

// RankSymbolsForStreaming bounds a websocket subscription budget: the same
// ranking as BuildTrackedSymbols, truncated to maxSymbols.
func RankSymbolsForStreaming(markets []exchange.Market, maxSymbols int, minVolume float64) []string {
	symbols := BuildTrackedSymbols(markets, minVolume)
	if maxSymbols > 0 && len(symbols) > maxSymbols {
		symbols = symbols[:maxSymbols]
	}
	return symbols
}

// ComputeCoverageSnapshot classifies each symbol as fresh when
// now minus lastSeen is within the window. A zero lastSeen means never seen and is always
// stale. The stale list is ordered by staleness descending (never-seen
// first), then symbol ascending.
func ComputeCoverageSnapshot(symbols []string, lastSeen map[string]time.Time, now time.Time, window time.Duration) Snapshot {
	snap := Snapshot{Total: len(symbols)}
	for _, symbol := range symbols {
		seen := lastSeen[symbol]
		if !seen.IsZero() && now.Sub(seen) <= window {
			snap.Fresh++
			continue
		}
		snap.Stale++
		snap.StaleSymbols = append(snap.StaleSymbols, symbol)
	}

	sort.Slice(snap.StaleSymbols, func(i, j int) bool {
		si, sj := lastSeen[snap.StaleSymbols[i]], lastSeen[snap.StaleSymbols[j]]
		if !si.Equal(sj) {
			// Older lastSeen means more stale; zero sorts first.
			return si.Before(sj)
		}
		return snap.StaleSymbols[i] < snap.StaleSymbols[j]
	})

	if snap.Total > 0 {
		snap.Ratio = float64(snap.Fresh) / float64(snap.Total)
	}
	return snap
}

// SelectBackfillSymbols picks which stale symbols to refetch. Symbols
// attempted within the cooldown are excluded regardless of volume rank; the
// remainder is ordered by volume descending, then least recently attempted,
// then symbol ascending, truncated to maxSymbols.
func SelectBackfillSymbols(staleSymbols []string, lastAttempt map[string]time.Time, now time.Time, cooldown time.Duration, maxSymbols int, volumes map[string]float64) []string {
	eligible := make([]string, 0, len(staleSymbols))
	for _, symbol := range staleSymbols {
		if attempt, ok := lastAttempt[symbol]; ok && now.Sub(attempt) < cooldown {
			continue
		}
		eligible = append(eligible, symbol)
	}

	sort.Slice(eligible, func(i, j int) bool {
		vi, vj := volumes[eligible[i]], volumes[eligible[j]]
		if vi != vj {
			return vi > vj
		}
		ai, aj := lastAttempt[eligible[i]], lastAttempt[eligible[j]]
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return eligible[i] < eligible[j]
	})

	if maxSymbols > 0 && len(eligible) > maxSymbols {
		eligible = eligible[:maxSymbols]
	}
	return eligible
}
