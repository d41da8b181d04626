package clickhouse

import (
	"context"
	"fmt"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

// IndexStore implements storage.IndexStore using ClickHouse.
type IndexStore struct {
	conn *Conn
}

// NewIndexStore creates a new IndexStore.
func NewIndexStore(conn *Conn) *IndexStore {
	return &IndexStore{conn: conn}
}

// Compile-time interface check.
var _ storage.IndexStore = (*IndexStore)(nil)

const chIndexColumns = `timestamp_ms, index_value, total_volume, coin_count, up_count, down_count, advance_decline_ratio`

// InsertBulk adds points whose timestamp is not yet stored.
func (s *IndexStore) InsertBulk(ctx context.Context, points []*domain.IndexPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	timestamps := make([]int64, 0, len(points))
	for _, p := range points {
		if p == nil {
			return 0, storage.ErrInvalidInput
		}
		timestamps = append(timestamps, p.TimestampMs)
	}

	rows, err := s.conn.Query(ctx, `SELECT DISTINCT timestamp_ms FROM index_points WHERE timestamp_ms IN (?)`, timestamps)
	if err != nil {
		return 0, fmt.Errorf("query existing timestamps: %w", err)
	}
	stored, err := scanInt64s(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}
	existing := make(map[int64]struct{}, len(stored))
	for _, ts := range stored {
		existing[ts] = struct{}{}
	}

	var fresh []*domain.IndexPoint
	for _, p := range points {
		if _, ok := existing[p.TimestampMs]; ok {
			continue
		}
		existing[p.TimestampMs] = struct{}{}
		fresh = append(fresh, p)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO index_points (`+chIndexColumns+`)`)
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}
	for _, p := range fresh {
		err := batch.Append(
			p.TimestampMs, p.IndexValue, p.TotalVolume,
			uint32(p.CoinCount), uint32(p.UpCount), uint32(p.DownCount),
			p.AdvanceDeclineRatio,
		)
		if err != nil {
			return 0, fmt.Errorf("append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}
	return len(fresh), nil
}

// Exists reports whether a point is stored at ts.
func (s *IndexStore) Exists(ctx context.Context, ts int64) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `SELECT count() FROM index_points WHERE timestamp_ms = ?`, ts).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check index point at %d: %w", ts, err)
	}
	return count > 0, nil
}

// GetAt retrieves the point at ts. Returns ErrNotFound if not exists.
func (s *IndexStore) GetAt(ctx context.Context, ts int64) (*domain.IndexPoint, error) {
	points, err := s.query(ctx, `
		SELECT `+chIndexColumns+`
		FROM index_points FINAL
		WHERE timestamp_ms = ?
		LIMIT 1
	`, ts)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, storage.ErrNotFound
	}
	return points[0], nil
}

// GetRange retrieves points within [start, end], ordered by timestamp ASC.
func (s *IndexStore) GetRange(ctx context.Context, start, end int64) ([]*domain.IndexPoint, error) {
	return s.query(ctx, `
		SELECT `+chIndexColumns+`
		FROM index_points FINAL
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`, start, end)
}

// Latest retrieves the newest point. Returns ErrNotFound if empty.
func (s *IndexStore) Latest(ctx context.Context) (*domain.IndexPoint, error) {
	points, err := s.query(ctx, `
		SELECT `+chIndexColumns+`
		FROM index_points FINAL
		ORDER BY timestamp_ms DESC
		LIMIT 1
	`)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, storage.ErrNotFound
	}
	return points[0], nil
}

// Timestamps returns the stored timestamps within [start, end].
func (s *IndexStore) Timestamps(ctx context.Context, start, end int64) ([]int64, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT timestamp_ms
		FROM index_points
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query index timestamps: %w", err)
	}
	defer rows.Close()

	return scanInt64s(rows)
}

// DeleteRange removes points within [start, end] through a synchronous mutation.
func (s *IndexStore) DeleteRange(ctx context.Context, start, end int64) (int64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx,
		`SELECT count() FROM index_points FINAL WHERE timestamp_ms >= ? AND timestamp_ms <= ?`, start, end,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count index range: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	err = s.conn.Exec(ctx,
		`ALTER TABLE index_points DELETE WHERE timestamp_ms >= ? AND timestamp_ms <= ? SETTINGS mutations_sync = 1`,
		start, end)
	if err != nil {
		return 0, fmt.Errorf("delete index range: %w", err)
	}
	return int64(n), nil
}

// RemoveDuplicates forces a deduplicating merge and reports how many rows collapsed.
func (s *IndexStore) RemoveDuplicates(ctx context.Context) (int64, error) {
	return s.conn.deduplicate(ctx, "index_points")
}

func (s *IndexStore) query(ctx context.Context, query string, args ...interface{}) ([]*domain.IndexPoint, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query index points: %w", err)
	}
	defer rows.Close()

	var points []*domain.IndexPoint
	for rows.Next() {
		var p domain.IndexPoint
		var coins, up, down uint32
		err := rows.Scan(&p.TimestampMs, &p.IndexValue, &p.TotalVolume, &coins, &up, &down, &p.AdvanceDeclineRatio)
		if err != nil {
			return nil, fmt.Errorf("scan index point row: %w", err)
		}
		p.CoinCount = int(coins)
		p.UpCount = int(up)
		p.DownCount = int(down)
		points = append(points, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index point rows: %w", err)
	}
	return points, nil
}
