// Package stub provides an in-memory exchange.Client for tests.
package stub

import (
	"context"
	"sort"
	"sync"
	"time"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/exchange"
)

// Client implements exchange.Client over candles held in memory.
type Client struct {
	mu          sync.Mutex
	symbols     []string
	candles     map[string][]*domain.Candle // keyed by symbol, ascending
	latest      map[string]*domain.Candle   // overrides for LatestClosedCandle
	errs        map[string]error            // per-symbol fetch errors
	rateLimited bool
	interval    time.Duration
	calls       map[string]int
}

// NewClient creates a stub client tracking symbols.
func NewClient(symbols ...string) *Client {
	return &Client{
		symbols: append([]string(nil), symbols...),
		candles: make(map[string][]*domain.Candle),
		latest:  make(map[string]*domain.Candle),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// SetSymbols replaces the active symbol set.
func (c *Client) SetSymbols(symbols ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols = append([]string(nil), symbols...)
}

// AddCandles appends candles for symbol, keeping them sorted by open time.
func (c *Client) AddCandles(symbol string, candles ...*domain.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.candles[symbol], candles...)
	sort.Slice(list, func(i, j int) bool { return list[i].OpenTimeMs < list[j].OpenTimeMs })
	c.candles[symbol] = list
}

// SetLatest sets the candle returned by LatestClosedCandle for symbol.
func (c *Client) SetLatest(symbol string, candle *domain.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[symbol] = candle
}

// SetError makes every fetch for symbol fail with err. Nil clears it.
func (c *Client) SetError(symbol string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errs, symbol)
		return
	}
	c.errs[symbol] = err
}

// SetRateLimited toggles the rate-limited flag.
func (c *Client) SetRateLimited(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimited = v
}

// Calls returns how many fetches were made for symbol.
func (c *Client) Calls(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[symbol]
}

// ActiveSymbols returns the configured symbols, ascending.
func (c *Client) ActiveSymbols(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.symbols...)
	sort.Strings(out)
	return out, nil
}

// LatestClosedCandle returns the override for symbol or its newest stored candle.
func (c *Client) LatestClosedCandle(_ context.Context, symbol string) (*domain.Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[symbol]++
	if err := c.errs[symbol]; err != nil {
		return nil, err
	}
	if candle, ok := c.latest[symbol]; ok {
		cp := *candle
		return &cp, nil
	}
	list := c.candles[symbol]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

// Candles returns up to limit stored candles within [startMs, endMs].
func (c *Client) Candles(_ context.Context, symbol, _ string, startMs, endMs int64, limit int) ([]*domain.Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[symbol]++
	if c.rateLimited {
		return nil, exchange.ErrRateLimited
	}
	if err := c.errs[symbol]; err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = exchange.MaxCandlesPerRequest
	}
	var out []*domain.Candle
	for _, candle := range c.candles[symbol] {
		if candle.OpenTimeMs < startMs || candle.OpenTimeMs > endMs {
			continue
		}
		cp := *candle
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// IsRateLimited reports the configured flag.
func (c *Client) IsRateLimited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimited
}

// RequestInterval returns zero unless set with SetRequestInterval.
func (c *Client) RequestInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// SetRequestInterval sets the value returned by RequestInterval.
func (c *Client) SetRequestInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
}

var _ exchange.Client = (*Client)(nil)
