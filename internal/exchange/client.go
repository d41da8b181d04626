// Package exchange fetches 5-minute candles and the tradable symbol set from a
// futures exchange REST API.
package exchange

import (
	"context"
	"errors"
	"time"

	"market-breadth-lab/internal/domain"
)

// ErrRateLimited is returned while the exchange has asked the client to back off.
var ErrRateLimited = errors.New("exchange rate limited")

// MaxCandlesPerRequest is the page size limit of the candle endpoint.
const MaxCandlesPerRequest = 1500

// Client is the exchange surface used by ingestion.
type Client interface {
	// ActiveSymbols returns the currently tradable symbols, ascending.
	ActiveSymbols(ctx context.Context) ([]string, error)

	// LatestClosedCandle returns the newest fully closed candle of symbol, or nil if none.
	LatestClosedCandle(ctx context.Context, symbol string) (*domain.Candle, error)

	// Candles returns up to limit candles of symbol with open time in [startMs, endMs], ascending.
	Candles(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]*domain.Candle, error)

	// IsRateLimited reports whether the client is inside a rate-limit cool-down.
	IsRateLimited() bool

	// RequestInterval is the minimum pause callers keep between paged requests.
	RequestInterval() time.Duration
}
