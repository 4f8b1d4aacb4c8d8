package marketdata

import (
	"bytes"
	"encoding/json"
	"time"

	"funding-arb-alerts/internal/storage"
)

// ParseSnapshotCandle converts a single historical candle payload into a
// Candle. Venues return either a positional array
// ([timestamp, open, high, low, close, volume]) or a keyed object; both are
// accepted. The boolean is false for malformed or inconsistent payloads,
// never a panic. The symbol is left empty for the caller to fill in.
func ParseSnapshotCandle(raw []byte) (storage.Candle, bool) {
	var node any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&node); err != nil {
		return storage.Candle{}, false
	}

	var (
		ts                      float64
		o, h, l, c, v           float64
		okT, okO, okH, okL, okC bool
	)

	switch n := node.(type) {
	case []any:
		if len(n) < 6 {
			return storage.Candle{}, false
		}
		ts, okT = toFloat(n[0])
		o, okO = toFloat(n[1])
		h, okH = toFloat(n[2])
		l, okL = toFloat(n[3])
		c, okC = toFloat(n[4])
		v, _ = toFloat(n[5])
	case map[string]any:
		ts, okT = firstFloat(n, "t", "T", "timestamp", "openTime", "bucketStart")
		o, okO = firstFloat(n, "o", "open")
		h, okH = firstFloat(n, "h", "high")
		l, okL = firstFloat(n, "l", "low")
		c, okC = firstFloat(n, "c", "close")
		v, _ = firstFloat(n, "v", "volume")
	default:
		return storage.Candle{}, false
	}

	if !okT || !okO || !okH || !okL || !okC {
		return storage.Candle{}, false
	}
	if ts <= 0 || o <= 0 || h <= 0 || l <= 0 || c <= 0 || v < 0 {
		return storage.Candle{}, false
	}
	if h < l || c < l || c > h || o < l || o > h {
		return storage.Candle{}, false
	}

	// Timestamps below 1e12 are second resolution, above are milliseconds.
	ms := int64(ts)
	if ms < 1_000_000_000_000 {
		ms *= 1000
	}

	return storage.Candle{
		BucketStart: time.UnixMilli(ms).UTC(),
		Open:        o,
		High:        h,
		Low:         l,
		Close:       c,
		Volume:      v,
		VWAP:        c,
	}, true
}

func firstFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if raw, ok := m[k]; ok {
			if f, ok := toFloat(raw); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := json.Number(x).Float64()
		return f, err == nil
	}
	return 0, false
}
