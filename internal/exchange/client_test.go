package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":  "BTC",
		"btcusdt":  "BTC",
		"ETH-PERP": "ETH",
		"SOLUSDC":  "SOL",
		"DOGEUSD":  "DOGE",
		"BTC":      "BTC",
		" eth ":    "ETH",
		"USDT":     "USDT",
	}
	for input, want := range cases {
		if got := NormalizeSymbol(input); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestAnnualizedPct(t *testing.T) {
	rate := decimal.RequireFromString("0.0001")
	got := AnnualizedPct(rate)
	want := decimal.RequireFromString("10.95")
	if !got.Equal(want) {
		t.Fatalf("AnnualizedPct(0.0001) = %s, want %s", got, want)
	}

	negative := AnnualizedPct(decimal.RequireFromString("-0.0002"))
	if !negative.Equal(decimal.RequireFromString("-21.9")) {
		t.Fatalf("AnnualizedPct(-0.0002) = %s, want -21.9", negative)
	}
}
