package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"market-breadth-lab/internal/domain"
)

// Default configuration values.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = 1 * time.Second
	DefaultMaxDelay        = 10 * time.Second
	DefaultBackoffMult     = 2.0
	DefaultRequestInterval = 100 * time.Millisecond
	DefaultRateLimitPause  = time.Minute
	DefaultQuoteAsset      = "USDT"
)

// HTTPClient implements Client against a Binance-style futures REST API.
type HTTPClient struct {
	baseURL         string
	client          *http.Client
	maxRetries      int
	retryDelay      time.Duration
	maxDelay        time.Duration
	backoffMult     float64
	requestInterval time.Duration
	quoteAsset      string
	now             func() time.Time

	rateLimitedUntil atomic.Int64 // unix nanos
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithRequestInterval sets the pause reported by RequestInterval.
func WithRequestInterval(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.requestInterval = d
	}
}

// WithQuoteAsset restricts ActiveSymbols to pairs quoted in asset.
func WithQuoteAsset(asset string) ClientOption {
	return func(c *HTTPClient) {
		c.quoteAsset = asset
	}
}

// WithClock overrides the time source used to decide which candle is closed.
func WithClock(now func() time.Time) ClientOption {
	return func(c *HTTPClient) {
		c.now = now
	}
}

// NewHTTPClient creates a new exchange client for baseURL, e.g. https://fapi.binance.com.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:         baseURL,
		client:          &http.Client{Timeout: DefaultTimeout},
		maxRetries:      DefaultMaxRetries,
		retryDelay:      DefaultRetryDelay,
		maxDelay:        DefaultMaxDelay,
		backoffMult:     DefaultBackoffMult,
		requestInterval: DefaultRequestInterval,
		quoteAsset:      DefaultQuoteAsset,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// IsRateLimited reports whether a 429/418 cool-down is active.
func (c *HTTPClient) IsRateLimited() bool {
	return c.now().UnixNano() < c.rateLimitedUntil.Load()
}

// RequestInterval returns the configured inter-request pause.
func (c *HTTPClient) RequestInterval() time.Duration {
	return c.requestInterval
}

// ActiveSymbols returns perpetual contracts in TRADING status quoted in the configured asset.
func (c *HTTPClient) ActiveSymbols(ctx context.Context) ([]string, error) {
	var info exchangeInfo
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, fmt.Errorf("get exchange info: %w", err)
	}

	var symbols []string
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		if s.ContractType != "" && s.ContractType != "PERPETUAL" {
			continue
		}
		if c.quoteAsset != "" && s.QuoteAsset != c.quoteAsset {
			continue
		}
		symbols = append(symbols, s.Symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// LatestClosedCandle returns the newest candle whose interval has fully elapsed.
func (c *HTTPClient) LatestClosedCandle(ctx context.Context, symbol string) (*domain.Candle, error) {
	boundary := domain.LatestClosedBoundary(c.now())
	candles, err := c.Candles(ctx, symbol, domain.Interval5m, boundary, boundary+domain.IntervalMs-1, 1)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 || candles[0].OpenTimeMs != boundary {
		return nil, nil
	}
	return candles[0], nil
}

// Candles returns candles with open time in [startMs, endMs], ascending.
func (c *HTTPClient) Candles(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]*domain.Candle, error) {
	if limit <= 0 || limit > MaxCandlesPerRequest {
		limit = MaxCandlesPerRequest
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	q.Set("endTime", strconv.FormatInt(endMs, 10))
	q.Set("limit", strconv.Itoa(limit))

	var raw [][]json.RawMessage
	if err := c.get(ctx, "/fapi/v1/klines", q, &raw); err != nil {
		return nil, fmt.Errorf("get klines %s: %w", symbol, err)
	}

	candles := make([]*domain.Candle, 0, len(raw))
	for _, row := range raw {
		candle, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("parse kline %s: %w", symbol, err)
		}
		if candle.OpenTimeMs < startMs || candle.OpenTimeMs > endMs {
			continue
		}
		candles = append(candles, candle)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTimeMs < candles[j].OpenTimeMs })
	return candles, nil
}

// get performs a GET with retries and exponential backoff.
// Rate-limit responses are not retried: they start a cool-down and return ErrRateLimited.
func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, result interface{}) error {
	if c.IsRateLimited() {
		return ErrRateLimited
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			// Exponential backoff
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		// 418 is the exchange's IP ban after ignored 429s
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
			c.markRateLimited(resp.Header.Get("Retry-After"))
			return ErrRateLimited
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
			continue
		}

		if resp.StatusCode != http.StatusOK {
			var apiErr apiError
			if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Msg != "" {
				return &apiErr
			}
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *HTTPClient) markRateLimited(retryAfter string) {
	pause := DefaultRateLimitPause
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		pause = time.Duration(secs) * time.Second
	}
	c.rateLimitedUntil.Store(c.now().Add(pause).UnixNano())
}
