// Package baseprice holds the per-symbol reference prices used for percentage change.
package baseprice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

// Registry is the single owner of base prices: an in-memory map mirroring the
// durable store, which stays the source of truth.
type Registry struct {
	mu     sync.RWMutex
	prices map[string]float64
	store  storage.BasePriceStore
	now    func() time.Time
}

// NewRegistry creates an empty registry backed by store. Call Load to populate it.
func NewRegistry(store storage.BasePriceStore) *Registry {
	return &Registry{
		prices: make(map[string]float64),
		store:  store,
		now:    time.Now,
	}
}

// Load replaces the in-memory view with the store contents.
func (r *Registry) Load(ctx context.Context) error {
	all, err := r.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load base prices: %w", err)
	}
	prices := make(map[string]float64, len(all))
	for _, bp := range all {
		prices[bp.Symbol] = bp.Price
	}

	r.mu.Lock()
	r.prices = prices
	r.mu.Unlock()
	return nil
}

// Get returns the base price of symbol.
func (r *Registry) Get(symbol string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prices[symbol]
	return p, ok
}

// Has reports whether symbol has a base price.
func (r *Registry) Has(symbol string) bool {
	_, ok := r.Get(symbol)
	return ok
}

// Snapshot returns a copy of all base prices.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.prices))
	for k, v := range r.prices {
		out[k] = v
	}
	return out
}

// Symbols returns the symbols with a base price, ascending.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.prices))
	for sym := range r.prices {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked symbols.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.prices)
}

// SetIfAbsent records price for symbol unless one already exists.
// Returns true when a new base price was written. An existing base price is never overwritten.
func (r *Registry) SetIfAbsent(ctx context.Context, symbol string, price float64) (bool, error) {
	if symbol == "" || price <= 0 {
		return false, storage.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.prices[symbol]; ok {
		return false, nil
	}

	err := r.store.Insert(ctx, &domain.BasePrice{
		Symbol:    symbol,
		Price:     price,
		CreatedAt: r.now().UnixMilli(),
	})
	if errors.Is(err, storage.ErrDuplicateKey) {
		// Written by another process; adopt the stored value.
		all, loadErr := r.store.GetAll(ctx)
		if loadErr != nil {
			return false, fmt.Errorf("reload base prices: %w", loadErr)
		}
		for _, bp := range all {
			if bp.Symbol == symbol {
				r.prices[symbol] = bp.Price
			}
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert base price %s: %w", symbol, err)
	}

	r.prices[symbol] = price
	return true, nil
}

// Remove deletes the base price of symbol. Missing symbols are not an error.
func (r *Registry) Remove(ctx context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Delete(ctx, symbol); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete base price %s: %w", symbol, err)
	}
	delete(r.prices, symbol)
	return nil
}
