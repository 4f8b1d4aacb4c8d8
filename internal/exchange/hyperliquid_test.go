package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb-alerts/internal/config"
)

func newTestHyperliquid(t *testing.T, baseURL string) *Hyperliquid {
	t.Helper()
	return NewHyperliquid(config.VenueConfig{
		Enabled:        true,
		BaseURL:        baseURL,
		RequestTimeout: time.Second,
	}, config.WSConfig{}, time.Minute, []string{"BTC"}, nil, zerolog.Nop())
}

func TestHyperliquidFundingAlignsUniverse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		if err := json.Unmarshal(body, &req); err != nil || req["type"] != "metaAndAssetCtxs" {
			t.Errorf("unexpected info request: %s", body)
		}
		_ = json.NewEncoder(w).Encode([]any{
			map[string]any{"universe": []map[string]string{{"name": "BTC"}, {"name": "ETH"}, {"name": "XYZ"}}},
			[]map[string]string{
				{"funding": "0.0001", "markPx": "60000.5", "oraclePx": "60001", "dayNtlVlm": "5000000"},
				{"funding": "-0.0002", "markPx": "3000", "oraclePx": "3001", "dayNtlVlm": "2000000"},
				{"funding": "broken", "markPx": "1", "oraclePx": "1", "dayNtlVlm": "0"},
			},
		})
	}))
	defer srv.Close()

	h := newTestHyperliquid(t, srv.URL)
	snaps := h.GetFundingRates(context.Background())

	if len(snaps) != 2 {
		t.Fatalf("expected two parsed snapshots, got %d: %#v", len(snaps), snaps)
	}
	btc := snaps["BTC"]
	if !btc.FundingRate.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("BTC funding = %s", btc.FundingRate)
	}
	if btc.Volume24h != 5_000_000 {
		t.Fatalf("BTC volume = %f", btc.Volume24h)
	}
	if !snaps["ETH"].FundingRate.IsNegative() {
		t.Fatal("ETH funding should be negative")
	}
}

func TestHyperliquidShortCtxArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]any{
			map[string]any{"universe": []map[string]string{{"name": "BTC"}, {"name": "ETH"}}},
			[]map[string]string{
				{"funding": "0.0001", "markPx": "60000", "oraclePx": "60000", "dayNtlVlm": "1"},
			},
		})
	}))
	defer srv.Close()

	h := newTestHyperliquid(t, srv.URL)
	snaps := h.GetFundingRates(context.Background())

	if len(snaps) != 1 {
		t.Fatalf("ctx array shorter than universe should truncate, got %d", len(snaps))
	}
}

func TestHyperliquidInfoErrorYieldsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newTestHyperliquid(t, srv.URL)
	snaps := h.GetFundingRates(context.Background())

	if len(snaps) != 0 {
		t.Fatalf("expected empty map on REST failure, got %#v", snaps)
	}
}

func TestHyperliquidGetMarketInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]any{
			map[string]any{"universe": []map[string]string{{"name": "BTC"}}},
			[]map[string]string{
				{"funding": "0.0001", "markPx": "60000", "oraclePx": "60000", "dayNtlVlm": "100"},
			},
		})
	}))
	defer srv.Close()

	h := newTestHyperliquid(t, srv.URL)

	market, ok := h.GetMarketInfo(context.Background(), "btcusdt")
	if !ok {
		t.Fatal("BTC market should resolve from a venue-spelled symbol")
	}
	if market.Exchange != HyperliquidName {
		t.Fatalf("exchange = %q", market.Exchange)
	}

	if _, ok := h.GetMarketInfo(context.Background(), "DOGE"); ok {
		t.Fatal("unknown symbol should not resolve")
	}
}
