package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

// IndexStore implements storage.IndexStore using PostgreSQL.
type IndexStore struct {
	pool *Pool
}

// NewIndexStore creates a new IndexStore.
func NewIndexStore(pool *Pool) *IndexStore {
	return &IndexStore{pool: pool}
}

// Compile-time interface check.
var _ storage.IndexStore = (*IndexStore)(nil)

const indexColumns = `id, timestamp_ms, index_value, total_volume, coin_count, up_count, down_count, advance_decline_ratio`

// InsertBulk adds points, skipping timestamps already stored.
func (s *IndexStore) InsertBulk(ctx context.Context, points []*domain.IndexPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO index_points (
			timestamp_ms, index_value, total_volume, coin_count, up_count, down_count, advance_decline_ratio
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, p := range points {
		if p == nil {
			return 0, storage.ErrInvalidInput
		}
		batch.Queue(query,
			p.TimestampMs,
			p.IndexValue,
			p.TotalVolume,
			p.CoinCount,
			p.UpCount,
			p.DownCount,
			p.AdvanceDeclineRatio,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range points {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert index point: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// Exists reports whether a point is stored at ts.
func (s *IndexStore) Exists(ctx context.Context, ts int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM index_points WHERE timestamp_ms = $1)`, ts,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check index point at %d: %w", ts, err)
	}
	return exists, nil
}

// GetAt retrieves the point at ts. Returns ErrNotFound if not exists.
func (s *IndexStore) GetAt(ctx context.Context, ts int64) (*domain.IndexPoint, error) {
	query := `
		SELECT ` + indexColumns + `
		FROM index_points
		WHERE timestamp_ms = $1
		ORDER BY id ASC
		LIMIT 1
	`
	p, err := scanIndexPoint(s.pool.QueryRow(ctx, query, ts))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get index point: %w", err)
	}
	return p, nil
}

// GetRange retrieves points within [start, end], ordered by timestamp ASC.
func (s *IndexStore) GetRange(ctx context.Context, start, end int64) ([]*domain.IndexPoint, error) {
	query := `
		SELECT ` + indexColumns + `
		FROM index_points
		WHERE timestamp_ms >= $1 AND timestamp_ms <= $2
		ORDER BY timestamp_ms ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("get index range: %w", err)
	}
	defer rows.Close()

	var points []*domain.IndexPoint
	for rows.Next() {
		p, err := scanIndexPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan index point row: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index point rows: %w", err)
	}
	return points, nil
}

// Latest retrieves the newest point. Returns ErrNotFound if empty.
func (s *IndexStore) Latest(ctx context.Context) (*domain.IndexPoint, error) {
	query := `
		SELECT ` + indexColumns + `
		FROM index_points
		ORDER BY timestamp_ms DESC, id ASC
		LIMIT 1
	`
	p, err := scanIndexPoint(s.pool.QueryRow(ctx, query))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get latest index point: %w", err)
	}
	return p, nil
}

// Timestamps returns the stored timestamps within [start, end].
func (s *IndexStore) Timestamps(ctx context.Context, start, end int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT timestamp_ms
		FROM index_points
		WHERE timestamp_ms >= $1 AND timestamp_ms <= $2
		ORDER BY timestamp_ms ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("get index timestamps: %w", err)
	}
	defer rows.Close()

	return scanInt64s(rows)
}

// DeleteRange removes points within [start, end].
func (s *IndexStore) DeleteRange(ctx context.Context, start, end int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM index_points WHERE timestamp_ms >= $1 AND timestamp_ms <= $2`, start, end)
	if err != nil {
		return 0, fmt.Errorf("delete index range: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RemoveDuplicates keeps the lowest-id row per timestamp.
func (s *IndexStore) RemoveDuplicates(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM index_points a
		USING index_points b
		WHERE a.timestamp_ms = b.timestamp_ms
		  AND a.id > b.id
	`)
	if err != nil {
		return 0, fmt.Errorf("remove duplicate index points: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanIndexPoint(row pgx.Row) (*domain.IndexPoint, error) {
	var p domain.IndexPoint
	err := row.Scan(
		&p.ID,
		&p.TimestampMs,
		&p.IndexValue,
		&p.TotalVolume,
		&p.CoinCount,
		&p.UpCount,
		&p.DownCount,
		&p.AdvanceDeclineRatio,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
