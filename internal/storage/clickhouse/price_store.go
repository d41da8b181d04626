package clickhouse

import (
	"context"
	"fmt"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

// PriceStore implements storage.PriceStore using ClickHouse.
// The table is a ReplacingMergeTree keyed by (symbol, timestamp_ms); reads use FINAL.
type PriceStore struct {
	conn *Conn
}

// NewPriceStore creates a new PriceStore.
func NewPriceStore(conn *Conn) *PriceStore {
	return &PriceStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceStore = (*PriceStore)(nil)

const chPriceColumns = `symbol, timestamp_ms, open, high, low, close, volume`

// InsertBulk adds samples not yet stored. Existing keys are filtered before the
// batch is sent so stored rows are never replaced.
func (s *PriceStore) InsertBulk(ctx context.Context, samples []*domain.PriceSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	type key struct {
		symbol string
		ts     int64
	}

	var timestamps []int64
	seenTs := make(map[int64]struct{})
	for _, p := range samples {
		if p == nil || p.Symbol == "" {
			return 0, storage.ErrInvalidInput
		}
		if _, ok := seenTs[p.TimestampMs]; !ok {
			seenTs[p.TimestampMs] = struct{}{}
			timestamps = append(timestamps, p.TimestampMs)
		}
	}

	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT symbol, timestamp_ms
		FROM price_samples
		WHERE timestamp_ms IN (?)
	`, timestamps)
	if err != nil {
		return 0, fmt.Errorf("query existing keys: %w", err)
	}
	existing := make(map[key]struct{})
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.symbol, &k.ts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan existing key: %w", err)
		}
		existing[k] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate existing keys: %w", err)
	}

	var fresh []*domain.PriceSample
	for _, p := range samples {
		k := key{p.Symbol, p.TimestampMs}
		if _, ok := existing[k]; ok {
			continue
		}
		existing[k] = struct{}{}
		fresh = append(fresh, p)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO price_samples (`+chPriceColumns+`)`)
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}
	for _, p := range fresh {
		if err := batch.Append(p.Symbol, p.TimestampMs, p.Open, p.High, p.Low, p.Close, p.Volume); err != nil {
			return 0, fmt.Errorf("append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}

	return len(fresh), nil
}

// GetBySymbolRange retrieves samples of symbol within [start, end], ordered by timestamp ASC.
func (s *PriceStore) GetBySymbolRange(ctx context.Context, symbol string, start, end int64) ([]*domain.PriceSample, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+chPriceColumns+`
		FROM price_samples FINAL
		WHERE symbol = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by symbol range: %w", err)
	}
	defer rows.Close()

	return scanPriceSamples(rows)
}

// GetByTimeRange retrieves samples within [start, end], ordered by timestamp, then symbol.
func (s *PriceStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.PriceSample, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+chPriceColumns+`
		FROM price_samples FINAL
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC, symbol ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanPriceSamples(rows)
}

// GetByTimestamps retrieves samples at exactly the given timestamps.
func (s *PriceStore) GetByTimestamps(ctx context.Context, timestamps []int64) ([]*domain.PriceSample, error) {
	if len(timestamps) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, `
		SELECT `+chPriceColumns+`
		FROM price_samples FINAL
		WHERE timestamp_ms IN (?)
		ORDER BY timestamp_ms ASC, symbol ASC
	`, timestamps)
	if err != nil {
		return nil, fmt.Errorf("query by timestamps: %w", err)
	}
	defer rows.Close()

	return scanPriceSamples(rows)
}

// ExistsAt reports whether any sample is stored at ts.
func (s *PriceStore) ExistsAt(ctx context.Context, ts int64) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `SELECT count() FROM price_samples WHERE timestamp_ms = ?`, ts).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check exists at %d: %w", ts, err)
	}
	return count > 0, nil
}

// TimestampsBySymbol returns the stored timestamps of symbol within [start, end].
func (s *PriceStore) TimestampsBySymbol(ctx context.Context, symbol string, start, end int64) ([]int64, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT timestamp_ms
		FROM price_samples
		WHERE symbol = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("query timestamps by symbol: %w", err)
	}
	defer rows.Close()

	return scanInt64s(rows)
}

// DistinctTimestamps returns every timestamp with data within [start, end].
func (s *PriceStore) DistinctTimestamps(ctx context.Context, start, end int64) ([]int64, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT timestamp_ms
		FROM price_samples
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query distinct timestamps: %w", err)
	}
	defer rows.Close()

	return scanInt64s(rows)
}

// DistinctSymbols returns every symbol with data.
func (s *PriceStore) DistinctSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, `SELECT DISTINCT symbol FROM price_samples ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("query distinct symbols: %w", err)
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
	rows, err := s.conn.Query(ctx, `SELECT symbol, max(timestamp_ms) FROM price_samples GROUP BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query latest timestamps: %w", err)
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
	rows, err := s.conn.Query(ctx, `
		SELECT `+chPriceColumns+`
		FROM price_samples FINAL
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY symbol ASC, timestamp_ms ASC
		LIMIT 1 BY symbol
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query first samples: %w", err)
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

// DeleteRange removes samples within [start, end] through a synchronous mutation.
func (s *PriceStore) DeleteRange(ctx context.Context, start, end int64) (int64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx,
		`SELECT count() FROM price_samples FINAL WHERE timestamp_ms >= ? AND timestamp_ms <= ?`, start, end,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count range: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	err = s.conn.Exec(ctx,
		`ALTER TABLE price_samples DELETE WHERE timestamp_ms >= ? AND timestamp_ms <= ? SETTINGS mutations_sync = 1`,
		start, end)
	if err != nil {
		return 0, fmt.Errorf("delete range: %w", err)
	}
	return int64(n), nil
}

// DeleteSymbol removes all samples of symbol through a synchronous mutation.
func (s *PriceStore) DeleteSymbol(ctx context.Context, symbol string) (int64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, `SELECT count() FROM price_samples FINAL WHERE symbol = ?`, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count symbol: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	err = s.conn.Exec(ctx,
		`ALTER TABLE price_samples DELETE WHERE symbol = ? SETTINGS mutations_sync = 1`, symbol)
	if err != nil {
		return 0, fmt.Errorf("delete symbol: %w", err)
	}
	return int64(n), nil
}

// RemoveDuplicates forces a deduplicating merge and reports how many rows collapsed.
func (s *PriceStore) RemoveDuplicates(ctx context.Context) (int64, error) {
	return s.conn.deduplicate(ctx, "price_samples")
}

// scanPriceSamples scans multiple rows.
func scanPriceSamples(rows chRows) ([]*domain.PriceSample, error) {
	var samples []*domain.PriceSample

	for rows.Next() {
		var p domain.PriceSample
		err := rows.Scan(&p.Symbol, &p.TimestampMs, &p.Open, &p.High, &p.Low, &p.Close, &p.Volume)
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

func scanInt64s(rows chRows) ([]int64, error) {
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
