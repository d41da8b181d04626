package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"market-breadth-lab/internal/domain"
)

func TestHTTPClient_ActiveSymbols(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/exchangeInfo" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"symbols": []map[string]string{
				{"symbol": "ETHUSDT", "status": "TRADING", "quoteAsset": "USDT", "contractType": "PERPETUAL"},
				{"symbol": "BTCUSDT", "status": "TRADING", "quoteAsset": "USDT", "contractType": "PERPETUAL"},
				{"symbol": "OLDUSDT", "status": "SETTLING", "quoteAsset": "USDT", "contractType": "PERPETUAL"},
				{"symbol": "BTCUSDC", "status": "TRADING", "quoteAsset": "USDC", "contractType": "PERPETUAL"},
				{"symbol": "BTCUSDT_250328", "status": "TRADING", "quoteAsset": "USDT", "contractType": "CURRENT_QUARTER"},
			},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	symbols, err := client.ActiveSymbols(context.Background())
	if err != nil {
		t.Fatalf("ActiveSymbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "BTCUSDT" || symbols[1] != "ETHUSDT" {
		t.Errorf("expected [BTCUSDT ETHUSDT], got %v", symbols)
	}
}

func TestHTTPClient_Candles(t *testing.T) {
	const start = int64(1_700_000_100_000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "5m" || q.Get("limit") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[
			[1700000400000, "101.0", "103.0", "100.5", "102.0", "12.5", 1700000699999, "0", 10, "0", "0", "0"],
			[1700000100000, "100.0", "102.0", "99.0", "101.0", "10.0", 1700000399999, "0", 10, "0", "0", "0"]
		]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	candles, err := client.Candles(context.Background(), "BTCUSDT", domain.Interval5m, start, start+domain.IntervalMs, 2)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	if candles[0].OpenTimeMs != start {
		t.Errorf("expected ascending order, first open time %d", candles[0].OpenTimeMs)
	}
	if candles[1].Close != 102.0 || candles[1].Volume != 12.5 {
		t.Errorf("unexpected second candle: %+v", candles[1])
	}
}

func TestHTTPClient_LatestClosedCandle(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000 + 2*domain.IntervalMs + 30_000)
	boundary := domain.LatestClosedBoundary(now)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([][]interface{}{
			{boundary, "1", "2", "0.5", "1.5", "3"},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithClock(func() time.Time { return now }))
	candle, err := client.LatestClosedCandle(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("LatestClosedCandle: %v", err)
	}
	if candle == nil || candle.OpenTimeMs != boundary {
		t.Fatalf("expected candle at %d, got %+v", boundary, candle)
	}
}

func TestHTTPClient_RateLimited(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond))
	_, err := client.Candles(context.Background(), "BTCUSDT", domain.Interval5m, 0, domain.IntervalMs, 1)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if !client.IsRateLimited() {
		t.Error("expected client to be rate limited")
	}

	// No request is sent during the cool-down.
	_, err = client.Candles(context.Background(), "BTCUSDT", domain.Interval5m, 0, domain.IntervalMs, 1)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 request, got %d", calls.Load())
	}
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond))
	candles, err := client.Candles(context.Background(), "BTCUSDT", domain.Interval5m, 0, domain.IntervalMs, 1)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 0 {
		t.Errorf("expected no candles, got %d", len(candles))
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestHTTPClient_APIErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond))
	_, err := client.Candles(context.Background(), "NOPE", domain.Interval5m, 0, domain.IntervalMs, 1)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Code != -1121 {
		t.Fatalf("expected api error -1121, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", calls.Load())
	}
}
