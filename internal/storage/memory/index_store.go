package memory

import (
	"context"
	"sort"
	"sync"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

// IndexStore is an in-memory implementation of storage.IndexStore.
type IndexStore struct {
	mu     sync.RWMutex
	rows   []*domain.IndexPoint
	keys   map[int64]int // timestamp_ms -> row count
	nextID int64
	opts   options
}

// NewIndexStore creates a new in-memory index store.
func NewIndexStore(opts ...Option) *IndexStore {
	return &IndexStore{
		keys:   make(map[int64]int),
		nextID: 1,
		opts:   applyOptions(opts),
	}
}

// InsertBulk adds points, skipping timestamps already stored. Returns inserted count.
func (s *IndexStore) InsertBulk(_ context.Context, points []*domain.IndexPoint) (int, error) {
	for _, p := range points {
		if p == nil {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, p := range points {
		if !s.opts.allowDuplicates && s.keys[p.TimestampMs] > 0 {
			continue
		}
		row := *p
		row.ID = s.nextID
		s.nextID++
		s.rows = append(s.rows, &row)
		s.keys[p.TimestampMs]++
		inserted++
	}
	return inserted, nil
}

// Exists reports whether a point is stored at ts.
func (s *IndexStore) Exists(_ context.Context, ts int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[ts] > 0, nil
}

// GetAt retrieves the point at ts. Returns ErrNotFound if not exists.
func (s *IndexStore) GetAt(_ context.Context, ts int64) (*domain.IndexPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.IndexPoint
	for _, p := range s.rows {
		if p.TimestampMs == ts && (found == nil || p.ID < found.ID) {
			found = p
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	row := *found
	return &row, nil
}

// GetRange retrieves points within [start, end], ordered by timestamp ASC.
func (s *IndexStore) GetRange(_ context.Context, start, end int64) ([]*domain.IndexPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.IndexPoint
	for _, p := range s.rows {
		if p.TimestampMs >= start && p.TimestampMs <= end {
			row := *p
			result = append(result, &row)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TimestampMs != result[j].TimestampMs {
			return result[i].TimestampMs < result[j].TimestampMs
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Latest retrieves the newest point. Returns ErrNotFound if empty.
func (s *IndexStore) Latest(_ context.Context) (*domain.IndexPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.IndexPoint
	for _, p := range s.rows {
		if found == nil || p.TimestampMs > found.TimestampMs || (p.TimestampMs == found.TimestampMs && p.ID < found.ID) {
			found = p
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	row := *found
	return &row, nil
}

// Timestamps returns the stored timestamps within [start, end].
func (s *IndexStore) Timestamps(_ context.Context, start, end int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]struct{})
	for ts := range s.keys {
		if ts >= start && ts <= end {
			seen[ts] = struct{}{}
		}
	}
	return sortedTimestamps(seen), nil
}

// DeleteRange removes points within [start, end].
func (s *IndexStore) DeleteRange(_ context.Context, start, end int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(func(p *domain.IndexPoint) bool {
		return p.TimestampMs >= start && p.TimestampMs <= end
	}), nil
}

// RemoveDuplicates keeps the lowest-ID row per timestamp.
func (s *IndexStore) RemoveDuplicates(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[int64]int64)
	for _, p := range s.rows {
		if id, ok := keep[p.TimestampMs]; !ok || p.ID < id {
			keep[p.TimestampMs] = p.ID
		}
	}
	return s.deleteLocked(func(p *domain.IndexPoint) bool {
		return keep[p.TimestampMs] != p.ID
	}), nil
}

// Len returns the number of stored rows, duplicates included.
func (s *IndexStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *IndexStore) deleteLocked(match func(*domain.IndexPoint) bool) int64 {
	kept := s.rows[:0]
	var removed int64
	for _, p := range s.rows {
		if match(p) {
			s.keys[p.TimestampMs]--
			if s.keys[p.TimestampMs] <= 0 {
				delete(s.keys, p.TimestampMs)
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

var _ storage.IndexStore = (*IndexStore)(nil)
