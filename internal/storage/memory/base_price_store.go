package memory

import (
	"context"
	"sort"
	"sync"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

// BasePriceStore is an in-memory implementation of storage.BasePriceStore.
type BasePriceStore struct {
	mu   sync.RWMutex
	data map[string]*domain.BasePrice // keyed by symbol
}

// NewBasePriceStore creates a new in-memory base price store.
func NewBasePriceStore() *BasePriceStore {
	return &BasePriceStore{
		data: make(map[string]*domain.BasePrice),
	}
}

// GetAll retrieves every base price, ordered by symbol ASC.
func (s *BasePriceStore) GetAll(_ context.Context) ([]*domain.BasePrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.BasePrice, 0, len(s.data))
	for _, bp := range s.data {
		bpCopy := *bp
		result = append(result, &bpCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result, nil
}

// Insert adds a base price. Returns ErrDuplicateKey if symbol exists.
func (s *BasePriceStore) Insert(_ context.Context, bp *domain.BasePrice) error {
	if bp == nil || bp.Symbol == "" || bp.Price <= 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[bp.Symbol]; exists {
		return storage.ErrDuplicateKey
	}
	bpCopy := *bp
	s.data[bp.Symbol] = &bpCopy
	return nil
}

// Delete removes the base price of symbol. Returns ErrNotFound if not exists.
func (s *BasePriceStore) Delete(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[symbol]; !exists {
		return storage.ErrNotFound
	}
	delete(s.data, symbol)
	return nil
}

var _ storage.BasePriceStore = (*BasePriceStore)(nil)
