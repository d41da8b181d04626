package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

// PriceStore implements storage.PriceStore using PostgreSQL.
type PriceStore struct {
	pool *Pool
}

// NewPriceStore creates a new PriceStore.
func NewPriceStore(pool *Pool) *PriceStore {
	return &PriceStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PriceStore = (*PriceStore)(nil)

const priceColumns = `id, symbol, timestamp_ms, open, high, low, close, volume`

// InsertBulk adds samples in one round trip, skipping rows that hit the
// (symbol, timestamp_ms) unique key. Returns the number of rows inserted.
func (s *PriceStore) InsertBulk(ctx context.Context, samples []*domain.PriceSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO price_samples (symbol, timestamp_ms, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, p := range samples {
		if p == nil || p.Symbol == "" {
			return 0, storage.ErrInvalidInput
		}
		batch.Queue(query, p.Symbol, p.TimestampMs, p.Open, p.High, p.Low, p.Close, p.Volume)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range samples {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert price sample: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// GetBySymbolRange retrieves samples of symbol within [start, end], ordered by timestamp ASC.
func (s *PriceStore) GetBySymbolRange(ctx context.Context, symbol string, start, end int64) ([]*domain.PriceSample, error) {
	query := `
		SELECT ` + priceColumns + `
		FROM price_samples
		WHERE symbol = $1 AND timestamp_ms >= $2 AND timestamp_ms <= $3
		ORDER BY timestamp_ms ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("get price samples by symbol range: %w", err)
	}
	defer rows.Close()

	return scanPriceSamples(rows)
}

// GetByTimeRange retrieves samples within [start, end], ordered by timestamp, then symbol.
func (s *PriceStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.PriceSample, error) {
	query := `
		SELECT ` + priceColumns + `
		FROM price_samples
		WHERE timestamp_ms >= $1 AND timestamp_ms <= $2
		ORDER BY timestamp_ms ASC, symbol ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("get price samples by time range: %w", err)
	}
	defer rows.Close()

	return scanPriceSamples(rows)
}

// GetByTimestamps retrieves samples at exactly the given timestamps.
func (s *PriceStore) GetByTimestamps(ctx context.Context, timestamps []int64) ([]*domain.PriceSample, error) {
	if len(timestamps) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + priceColumns + `
		FROM price_samples
		WHERE timestamp_ms = ANY($1)
		ORDER BY timestamp_ms ASC, symbol ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, timestamps)
	if err != nil {
		return nil, fmt.Errorf("get price samples by timestamps: %w", err)
	}
	defer rows.Close()

	return scanPriceSamples(rows)
}

// ExistsAt reports whether any sample is stored at ts.
func (s *PriceStore) ExistsAt(ctx context.Context, ts int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM price_samples WHERE timestamp_ms = $1)`, ts,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check price samples at %d: %w", ts, err)
	}
	return exists, nil
}

// TimestampsBySymbol returns the stored timestamps of symbol within [start, end].
func (s *PriceStore) TimestampsBySymbol(ctx context.Context, symbol string, start, end int64) ([]int64, error) {
	query := `
		SELECT DISTINCT timestamp_ms
		FROM price_samples
		WHERE symbol = $1 AND timestamp_ms >= $2 AND timestamp_ms <= $3
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.pool.Query(ctx, query, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("get timestamps by symbol: %w", err)
	}
	defer rows.Close()

	return scanInt64s(rows)
}

// DistinctTimestamps returns every timestamp with data within [start, end].
func (s *PriceStore) DistinctTimestamps(ctx context.Context, start, end int64) ([]int64, error) {
	query := `
		SELECT DISTINCT timestamp_ms
		FROM price_samples
		WHERE timestamp_ms >= $1 AND timestamp_ms <= $2
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("get distinct timestamps: %w", err)
	}
	defer rows.Close()

	return scanInt64s(rows)
}

// DistinctSymbols returns every symbol with data.
func (s *PriceStore) DistinctSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT symbol FROM price_samples ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("get distinct symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate symbols: %w", err)
	}
	return symbols, nil
}

// LatestTimestamps returns the newest timestamp per symbol.
func (s *PriceStore) LatestTimestamps(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol, MAX(timestamp_ms) FROM price_samples GROUP BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("get latest timestamps: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var sym string
		var ts int64
		if err := rows.Scan(&sym, &ts); err != nil {
			return nil, fmt.Errorf("scan latest timestamp: %w", err)
		}
		result[sym] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest timestamps: %w", err)
	}
	return result, nil
}

// FirstSamples returns the earliest sample per symbol within [start, end].
func (s *PriceStore) FirstSamples(ctx context.Context, start, end int64) (map[string]*domain.PriceSample, error) {
	query := `
		SELECT DISTINCT ON (symbol) ` + priceColumns + `
		FROM price_samples
		WHERE timestamp_ms >= $1 AND timestamp_ms <= $2
		ORDER BY symbol ASC, timestamp_ms ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("get first samples: %w", err)
	}
	defer rows.Close()

	samples, err := scanPriceSamples(rows)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*domain.PriceSample, len(samples))
	for _, p := range samples {
		result[p.Symbol] = p
	}
	return result, nil
}

// DeleteRange removes samples within [start, end].
func (s *PriceStore) DeleteRange(ctx context.Context, start, end int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM price_samples WHERE timestamp_ms >= $1 AND timestamp_ms <= $2`, start, end)
	if err != nil {
		return 0, fmt.Errorf("delete price samples range: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteSymbol removes all samples of symbol.
func (s *PriceStore) DeleteSymbol(ctx context.Context, symbol string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM price_samples WHERE symbol = $1`, symbol)
	if err != nil {
		return 0, fmt.Errorf("delete price samples of %s: %w", symbol, err)
	}
	return tag.RowsAffected(), nil
}

// RemoveDuplicates keeps the lowest-id row per (symbol, timestamp_ms).
func (s *PriceStore) RemoveDuplicates(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM price_samples a
		USING price_samples b
		WHERE a.symbol = b.symbol
		  AND a.timestamp_ms = b.timestamp_ms
		  AND a.id > b.id
	`)
	if err != nil {
		return 0, fmt.Errorf("remove duplicate price samples: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanPriceSamples scans multiple rows into a slice of PriceSample.
func scanPriceSamples(rows pgx.Rows) ([]*domain.PriceSample, error) {
	var samples []*domain.PriceSample

	for rows.Next() {
		var p domain.PriceSample
		err := rows.Scan(
			&p.ID,
			&p.Symbol,
			&p.TimestampMs,
			&p.Open,
			&p.High,
			&p.Low,
			&p.Close,
			&p.Volume,
		)
		if err != nil {
			return nil, fmt.Errorf("scan price sample row: %w", err)
		}
		samples = append(samples, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price sample rows: %w", err)
	}

	return samples, nil
}

func scanInt64s(rows pgx.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan timestamp: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timestamps: %w", err)
	}
	return out, nil
}
