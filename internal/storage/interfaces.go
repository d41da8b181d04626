package storage

import (
	"context"

	"market-breadth-lab/internal/domain"
)

// PriceStore provides access to price_samples storage.
// A (symbol, timestamp_ms) pair is stored at most once.
type PriceStore interface {
	// InsertBulk adds samples, silently skipping any (symbol, timestamp_ms) already stored
	// or repeated within the batch. Returns the number of rows actually inserted.
	InsertBulk(ctx context.Context, samples []*domain.PriceSample) (int, error)

	// GetBySymbolRange retrieves samples of one symbol within [start, end], ordered by timestamp ASC.
	GetBySymbolRange(ctx context.Context, symbol string, start, end int64) ([]*domain.PriceSample, error)

	// GetByTimeRange retrieves samples of all symbols within [start, end],
	// ordered by timestamp ASC, then symbol ASC.
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.PriceSample, error)

	// GetByTimestamps retrieves samples of all symbols at exactly the given timestamps.
	GetByTimestamps(ctx context.Context, timestamps []int64) ([]*domain.PriceSample, error)

	// ExistsAt reports whether any sample is stored at timestamp ts.
	ExistsAt(ctx context.Context, ts int64) (bool, error)

	// TimestampsBySymbol returns the stored timestamps of symbol within [start, end], ascending.
	TimestampsBySymbol(ctx context.Context, symbol string, start, end int64) ([]int64, error)

	// DistinctTimestamps returns every timestamp with at least one sample within [start, end], ascending.
	DistinctTimestamps(ctx context.Context, start, end int64) ([]int64, error)

	// DistinctSymbols returns every symbol with at least one sample, ascending.
	DistinctSymbols(ctx context.Context) ([]string, error)

	// LatestTimestamps returns the newest stored timestamp per symbol.
	LatestTimestamps(ctx context.Context) (map[string]int64, error)

	// FirstSamples returns the earliest stored sample per symbol within [start, end].
	FirstSamples(ctx context.Context, start, end int64) (map[string]*domain.PriceSample, error)

	// DeleteRange removes samples within [start, end]. Returns the number of rows removed.
	DeleteRange(ctx context.Context, start, end int64) (int64, error)

	// DeleteSymbol removes all samples of symbol. Returns the number of rows removed.
	DeleteSymbol(ctx context.Context, symbol string) (int64, error)

	// RemoveDuplicates keeps the lowest-identity row per (symbol, timestamp_ms)
	// and removes the rest. Idempotent. Returns the number of rows removed.
	RemoveDuplicates(ctx context.Context) (int64, error)
}

// BasePriceStore provides access to base_prices storage.
type BasePriceStore interface {
	// GetAll retrieves every base price, ordered by symbol ASC.
	GetAll(ctx context.Context) ([]*domain.BasePrice, error)

	// Insert adds a base price. Returns ErrDuplicateKey if symbol exists.
	Insert(ctx context.Context, bp *domain.BasePrice) error

	// Delete removes the base price of symbol. Returns ErrNotFound if not exists.
	Delete(ctx context.Context, symbol string) error
}

// IndexStore provides access to index_points storage.
// A timestamp_ms is stored at most once and points are never updated.
type IndexStore interface {
	// InsertBulk adds points, silently skipping timestamps already stored.
	// Returns the number of rows actually inserted.
	InsertBulk(ctx context.Context, points []*domain.IndexPoint) (int, error)

	// Exists reports whether a point is stored at ts.
	Exists(ctx context.Context, ts int64) (bool, error)

	// GetAt retrieves the point at ts. Returns ErrNotFound if not exists.
	GetAt(ctx context.Context, ts int64) (*domain.IndexPoint, error)

	// GetRange retrieves points within [start, end], ordered by timestamp ASC.
	GetRange(ctx context.Context, start, end int64) ([]*domain.IndexPoint, error)

	// Latest retrieves the newest point. Returns ErrNotFound if the store is empty.
	Latest(ctx context.Context) (*domain.IndexPoint, error)

	// Timestamps returns the stored timestamps within [start, end], ascending.
	Timestamps(ctx context.Context, start, end int64) ([]int64, error)

	// DeleteRange removes points within [start, end]. Returns the number of rows removed.
	DeleteRange(ctx context.Context, start, end int64) (int64, error)

	// RemoveDuplicates keeps the lowest-identity row per timestamp_ms and removes the rest.
	RemoveDuplicates(ctx context.Context) (int64, error)
}
