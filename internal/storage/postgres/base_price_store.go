package postgres

import (
	"context"
	"fmt"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

// BasePriceStore implements storage.BasePriceStore using PostgreSQL.
type BasePriceStore struct {
	pool *Pool
}

// NewBasePriceStore creates a new BasePriceStore.
func NewBasePriceStore(pool *Pool) *BasePriceStore {
	return &BasePriceStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BasePriceStore = (*BasePriceStore)(nil)

// GetAll retrieves every base price, ordered by symbol ASC.
func (s *BasePriceStore) GetAll(ctx context.Context) ([]*domain.BasePrice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, price, created_at
		FROM base_prices
		ORDER BY symbol ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("get base prices: %w", err)
	}
	defer rows.Close()

	var result []*domain.BasePrice
	for rows.Next() {
		var bp domain.BasePrice
		if err := rows.Scan(&bp.Symbol, &bp.Price, &bp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan base price row: %w", err)
		}
		result = append(result, &bp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate base price rows: %w", err)
	}
	return result, nil
}

// Insert adds a base price. Returns ErrDuplicateKey if symbol exists.
func (s *BasePriceStore) Insert(ctx context.Context, bp *domain.BasePrice) error {
	if bp == nil || bp.Symbol == "" || bp.Price <= 0 {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO base_prices (symbol, price, created_at)
		VALUES ($1, $2, $3)
	`, bp.Symbol, bp.Price, bp.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert base price: %w", err)
	}
	return nil
}

// Delete removes the base price of symbol. Returns ErrNotFound if not exists.
func (s *BasePriceStore) Delete(ctx context.Context, symbol string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM base_prices WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("delete base price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
