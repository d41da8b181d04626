package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

// Option configures an in-memory store.
type Option func(*options)

type options struct {
	allowDuplicates bool
}

// AllowDuplicates disables the uniqueness check on insert.
// Models data written before the unique constraint existed, so RemoveDuplicates has work to do.
func AllowDuplicates() Option {
	return func(o *options) { o.allowDuplicates = true }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// PriceStore is an in-memory implementation of storage.PriceStore.
type PriceStore struct {
	mu     sync.RWMutex
	rows   []*domain.PriceSample
	keys   map[string]int // (symbol, timestamp_ms) -> row count
	nextID int64
	opts   options
}

// NewPriceStore creates a new in-memory price store.
func NewPriceStore(opts ...Option) *PriceStore {
	return &PriceStore{
		keys:   make(map[string]int),
		nextID: 1,
		opts:   applyOptions(opts),
	}
}

func priceKey(symbol string, timestampMs int64) string {
	return fmt.Sprintf("%s|%d", symbol, timestampMs)
}

// InsertBulk adds samples, skipping duplicates. Returns inserted count.
func (s *PriceStore) InsertBulk(_ context.Context, samples []*domain.PriceSample) (int, error) {
	for _, p := range samples {
		if p == nil || p.Symbol == "" {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, p := range samples {
		key := priceKey(p.Symbol, p.TimestampMs)
		if !s.opts.allowDuplicates && s.keys[key] > 0 {
			continue
		}
		row := *p
		row.ID = s.nextID
		s.nextID++
		s.rows = append(s.rows, &row)
		s.keys[key]++
		inserted++
	}
	return inserted, nil
}

// GetBySymbolRange retrieves samples of symbol within [start, end], ordered by timestamp ASC.
func (s *PriceStore) GetBySymbolRange(_ context.Context, symbol string, start, end int64) ([]*domain.PriceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PriceSample
	for _, p := range s.rows {
		if p.Symbol == symbol && p.TimestampMs >= start && p.TimestampMs <= end {
			row := *p
			result = append(result, &row)
		}
	}
	sortSamples(result)
	return result, nil
}

// GetByTimeRange retrieves samples within [start, end], ordered by timestamp, then symbol.
func (s *PriceStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.PriceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PriceSample
	for _, p := range s.rows {
		if p.TimestampMs >= start && p.TimestampMs <= end {
			row := *p
			result = append(result, &row)
		}
	}
	sortSamples(result)
	return result, nil
}

// GetByTimestamps retrieves samples at exactly the given timestamps.
func (s *PriceStore) GetByTimestamps(_ context.Context, timestamps []int64) ([]*domain.PriceSample, error) {
	if len(timestamps) == 0 {
		return nil, nil
	}
	want := make(map[int64]struct{}, len(timestamps))
	for _, ts := range timestamps {
		want[ts] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PriceSample
	for _, p := range s.rows {
		if _, ok := want[p.TimestampMs]; ok {
			row := *p
			result = append(result, &row)
		}
	}
	sortSamples(result)
	return result, nil
}

// ExistsAt reports whether any sample is stored at ts.
func (s *PriceStore) ExistsAt(_ context.Context, ts int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.rows {
		if p.TimestampMs == ts {
			return true, nil
		}
	}
	return false, nil
}

// TimestampsBySymbol returns the stored timestamps of symbol within [start, end].
func (s *PriceStore) TimestampsBySymbol(_ context.Context, symbol string, start, end int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]struct{})
	for _, p := range s.rows {
		if p.Symbol == symbol && p.TimestampMs >= start && p.TimestampMs <= end {
			seen[p.TimestampMs] = struct{}{}
		}
	}
	return sortedTimestamps(seen), nil
}

// DistinctTimestamps returns every timestamp with data within [start, end].
func (s *PriceStore) DistinctTimestamps(_ context.Context, start, end int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]struct{})
	for _, p := range s.rows {
		if p.TimestampMs >= start && p.TimestampMs <= end {
			seen[p.TimestampMs] = struct{}{}
		}
	}
	return sortedTimestamps(seen), nil
}

// DistinctSymbols returns every symbol with data.
func (s *PriceStore) DistinctSymbols(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, p := range s.rows {
		seen[p.Symbol] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for sym := range seen {
		result = append(result, sym)
	}
	sort.Strings(result)
	return result, nil
}

// LatestTimestamps returns the newest timestamp per symbol.
func (s *PriceStore) LatestTimestamps(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int64)
	for _, p := range s.rows {
		if cur, ok := result[p.Symbol]; !ok || p.TimestampMs > cur {
			result[p.Symbol] = p.TimestampMs
		}
	}
	return result, nil
}

// FirstSamples returns the earliest sample per symbol within [start, end].
func (s *PriceStore) FirstSamples(_ context.Context, start, end int64) (map[string]*domain.PriceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*domain.PriceSample)
	for _, p := range s.rows {
		if p.TimestampMs < start || p.TimestampMs > end {
			continue
		}
		cur, ok := result[p.Symbol]
		if !ok || p.TimestampMs < cur.TimestampMs || (p.TimestampMs == cur.TimestampMs && p.ID < cur.ID) {
			row := *p
			result[p.Symbol] = &row
		}
	}
	return result, nil
}

// DeleteRange removes samples within [start, end].
func (s *PriceStore) DeleteRange(_ context.Context, start, end int64) (int64, error) {
	return s.deleteWhere(func(p *domain.PriceSample) bool {
		return p.TimestampMs >= start && p.TimestampMs <= end
	}), nil
}

// DeleteSymbol removes all samples of symbol.
func (s *PriceStore) DeleteSymbol(_ context.Context, symbol string) (int64, error) {
	return s.deleteWhere(func(p *domain.PriceSample) bool {
		return p.Symbol == symbol
	}), nil
}

// RemoveDuplicates keeps the lowest-ID row per (symbol, timestamp_ms).
func (s *PriceStore) RemoveDuplicates(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]int64)
	for _, p := range s.rows {
		key := priceKey(p.Symbol, p.TimestampMs)
		if id, ok := keep[key]; !ok || p.ID < id {
			keep[key] = p.ID
		}
	}
	return s.deleteLocked(func(p *domain.PriceSample) bool {
		return keep[priceKey(p.Symbol, p.TimestampMs)] != p.ID
	}), nil
}

// Len returns the number of stored rows, duplicates included.
func (s *PriceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *PriceStore) deleteWhere(match func(*domain.PriceSample) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(match)
}

func (s *PriceStore) deleteLocked(match func(*domain.PriceSample) bool) int64 {
	kept := s.rows[:0]
	var removed int64
	for _, p := range s.rows {
		if match(p) {
			key := priceKey(p.Symbol, p.TimestampMs)
			s.keys[key]--
			if s.keys[key] <= 0 {
				delete(s.keys, key)
			}
			removed++
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(s.rows); i++ {
		s.rows[i] = nil
	}
	s.rows = kept
	return removed
}

func sortSamples(samples []*domain.PriceSample) {
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].TimestampMs != samples[j].TimestampMs {
			return samples[i].TimestampMs < samples[j].TimestampMs
		}
		if samples[i].Symbol != samples[j].Symbol {
			return samples[i].Symbol < samples[j].Symbol
		}
		return samples[i].ID < samples[j].ID
	})
}

func sortedTimestamps(set map[int64]struct{}) []int64 {
	result := make([]int64, 0, len(set))
	for ts := range set {
		result = append(result, ts)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

var _ storage.PriceStore = (*PriceStore)(nil)
