package marketdata

import (
	"testing"
	"time"
)

func TestParseSnapshotCandleArrayForm(t *testing.T) {
	raw := []byte(`[1700000000000, "60000.5", "60100", "59900", "60050", "12.5", 123, "ignored"]`)

	candle, ok := ParseSnapshotCandle(raw)
	if !ok {
		t.Fatal("array form should parse")
	}
	if !candle.BucketStart.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Fatalf("bucket start = %s", candle.BucketStart)
	}
	if candle.Open != 60000.5 || candle.High != 60100 || candle.Low != 59900 || candle.Close != 60050 {
		t.Fatalf("ohlc wrong: %+v", candle)
	}
	if candle.Volume != 12.5 {
		t.Fatalf("volume = %f", candle.Volume)
	}
}

func TestParseSnapshotCandleObjectForm(t *testing.T) {
	raw := []byte(`{"t": 1700000000000, "o": "3000", "h": "3010", "l": "2990", "c": "3005", "v": "44.4", "s": "ETH", "n": 9}`)

	candle, ok := ParseSnapshotCandle(raw)
	if !ok {
		t.Fatal("object form should parse")
	}
	if candle.Close != 3005 || candle.Volume != 44.4 {
		t.Fatalf("parsed wrong: %+v", candle)
	}
}

func TestParseSnapshotCandleFormsAgree(t *testing.T) {
	array := []byte(`[1700000000000, 100, 110, 90, 105, 7]`)
	object := []byte(`{"t": 1700000000000, "o": 100, "h": 110, "l": 90, "c": 105, "v": 7}`)

	a, okA := ParseSnapshotCandle(array)
	b, okB := ParseSnapshotCandle(object)
	if !okA || !okB {
		t.Fatal("both forms should parse")
	}
	if a != b {
		t.Fatalf("forms disagree: %+v vs %+v", a, b)
	}
}

func TestParseSnapshotCandleSecondResolution(t *testing.T) {
	candle, ok := ParseSnapshotCandle([]byte(`[1700000000, 1, 2, 1, 1.5, 0]`))
	if !ok {
		t.Fatal("second-resolution timestamp should parse")
	}
	if !candle.BucketStart.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("bucket start = %s", candle.BucketStart)
	}
}

func TestParseSnapshotCandleRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{{{`,
		"scalar":           `42`,
		"short array":      `[1700000000000, 1, 2, 1]`,
		"high below low":   `[1700000000000, 100, 90, 95, 96, 1]`,
		"close above high": `[1700000000000, 100, 110, 90, 111, 1]`,
		"close below low":  `[1700000000000, 100, 110, 90, 89, 1]`,
		"open outside":     `[1700000000000, 120, 110, 90, 100, 1]`,
		"zero price":       `[1700000000000, 0, 110, 90, 100, 1]`,
		"zero timestamp":   `[0, 100, 110, 90, 100, 1]`,
		"negative volume":  `[1700000000000, 100, 110, 90, 100, -1]`,
		"non-numeric open": `{"t": 1700000000000, "o": "abc", "h": 110, "l": 90, "c": 100, "v": 1}`,
		"missing close":    `{"t": 1700000000000, "o": 100, "h": 110, "l": 90, "v": 1}`,
	}
	for name, raw := range cases {
		if _, ok := ParseSnapshotCandle([]byte(raw)); ok {
			t.Errorf("%s: expected rejection for %s", name, raw)
		}
	}
}
