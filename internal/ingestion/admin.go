package ingestion

import (
	"context"
	"fmt"

	"market-breadth-lab/internal/observability"
	"market-breadth-lab/internal/storage"
)

// SyncResult describes a symbol sync.
type SyncResult struct {
	Active  int      `json:"active"`
	Removed []string `json:"removed,omitempty"`
}

// SyncSymbols drops the base price of every tracked symbol the exchange no longer
// lists. History is kept. A relisted symbol is seeded anew from its first price
// after the removal.
func (p *Pipeline) SyncSymbols(ctx context.Context) (*SyncResult, error) {
	active, err := p.exchange.ActiveSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch active symbols: %w", err)
	}
	listed := make(map[string]struct{}, len(active))
	for _, sym := range active {
		listed[sym] = struct{}{}
	}

	res := &SyncResult{Active: len(active)}
	removedAt := p.now().UnixMilli()
	for _, sym := range p.bases.Symbols() {
		if _, ok := listed[sym]; ok {
			continue
		}
		if err := p.bases.Remove(ctx, sym); err != nil {
			return res, err
		}
		p.mu.Lock()
		p.delistedAt[sym] = removedAt
		p.mu.Unlock()
		res.Removed = append(res.Removed, sym)
	}
	observability.UpdateTrackedSymbols(p.bases.Len())
	if len(res.Removed) > 0 {
		p.logger.Printf("Delisted %d symbols: %v", len(res.Removed), res.Removed)
	}
	return res, nil
}

// CleanupResult counts removed rows.
type CleanupResult struct {
	Samples     int64 `json:"samples"`
	IndexPoints int64 `json:"index_points"`
}

// RemoveDuplicates deletes duplicate price samples and index points. Idempotent.
func (p *Pipeline) RemoveDuplicates(ctx context.Context) (*CleanupResult, error) {
	samples, err := p.prices.RemoveDuplicates(ctx)
	if err != nil {
		return nil, fmt.Errorf("remove duplicate samples: %w", err)
	}
	points, err := p.index.RemoveDuplicates(ctx)
	if err != nil {
		return nil, fmt.Errorf("remove duplicate index points: %w", err)
	}
	if samples > 0 || points > 0 {
		p.invalidateAll()
		p.logger.Printf("Removed %d duplicate samples and %d duplicate index points", samples, points)
	}
	return &CleanupResult{Samples: samples, IndexPoints: points}, nil
}

// DeleteRange removes samples and index points within [start, end].
func (p *Pipeline) DeleteRange(ctx context.Context, start, end int64) (*CleanupResult, error) {
	if end < start {
		return nil, fmt.Errorf("%w: delete range [%d, %d]", storage.ErrInvalidInput, start, end)
	}
	samples, err := p.prices.DeleteRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("delete samples: %w", err)
	}
	points, err := p.index.DeleteRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("delete index points: %w", err)
	}
	p.invalidate(start, end)
	return &CleanupResult{Samples: samples, IndexPoints: points}, nil
}

// DeleteSymbol removes every sample of symbol and its base price.
func (p *Pipeline) DeleteSymbol(ctx context.Context, symbol string) (*CleanupResult, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", storage.ErrInvalidInput)
	}
	samples, err := p.prices.DeleteSymbol(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("delete %s samples: %w", symbol, err)
	}
	if err := p.bases.Remove(ctx, symbol); err != nil {
		return nil, err
	}
	observability.UpdateTrackedSymbols(p.bases.Len())
	p.invalidateAll()
	return &CleanupResult{Samples: samples}, nil
}
