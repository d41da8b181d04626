package backtest

import (
	"context"
	"fmt"
	"time"

	"market-breadth-lab/internal/cache"
	"market-breadth-lab/internal/storage"
)

// Snapshots maps timestamp -> symbol -> open price.
type Snapshots map[int64]map[string]float64

// SnapshotSource resolves open prices at exact timestamps.
type SnapshotSource interface {
	// Snapshots returns the open price of every symbol stored at each timestamp.
	// Timestamps without data are absent from the result.
	Snapshots(ctx context.Context, timestamps []int64) (Snapshots, error)
}

// StaticSource serves snapshots from a prefetched map. The map is shared and never written.
type StaticSource struct {
	snap Snapshots
}

// NewStaticSource wraps a prefetched snapshot map.
func NewStaticSource(snap Snapshots) *StaticSource {
	return &StaticSource{snap: snap}
}

// Snapshots returns the requested subset of the prefetched map.
func (s *StaticSource) Snapshots(_ context.Context, timestamps []int64) (Snapshots, error) {
	out := make(Snapshots, len(timestamps))
	for _, ts := range timestamps {
		if m, ok := s.snap[ts]; ok {
			out[ts] = m
		}
	}
	return out, nil
}

// Len returns the number of prefetched timestamps.
func (s *StaticSource) Len() int {
	return len(s.snap)
}

// Store source defaults.
const (
	DefaultPointCacheSize = 64
	DefaultPointCacheTTL  = 10 * time.Minute
	DefaultBulkThreshold  = 8
)

// StoreSourceOptions configures StoreSource.
type StoreSourceOptions struct {
	Prices        storage.PriceStore
	Range         *cache.RangeCache // serves requests larger than BulkThreshold; nil disables
	PointSize     int
	PointTTL      time.Duration
	BulkThreshold int
}

// StoreSource reads snapshots from the price store. Small requests go through a
// single-timestamp TTL cache, bulk requests through the day-aligned range cache.
type StoreSource struct {
	prices    storage.PriceStore
	rng       *cache.RangeCache
	points    *cache.TTL[int64, map[string]float64]
	threshold int
}

// NewStoreSource creates a store-backed snapshot source.
func NewStoreSource(opts StoreSourceOptions) *StoreSource {
	if opts.PointSize <= 0 {
		opts.PointSize = DefaultPointCacheSize
	}
	if opts.PointTTL <= 0 {
		opts.PointTTL = DefaultPointCacheTTL
	}
	if opts.BulkThreshold <= 0 {
		opts.BulkThreshold = DefaultBulkThreshold
	}
	return &StoreSource{
		prices:    opts.Prices,
		rng:       opts.Range,
		points:    cache.NewTTL[int64, map[string]float64](opts.PointSize, opts.PointTTL),
		threshold: opts.BulkThreshold,
	}
}

// Snapshots implements SnapshotSource.
func (s *StoreSource) Snapshots(ctx context.Context, timestamps []int64) (Snapshots, error) {
	out := make(Snapshots, len(timestamps))
	var missing []int64
	for _, ts := range timestamps {
		if m, ok := s.points.Get(ts); ok {
			if len(m) > 0 {
				out[ts] = m
			}
			continue
		}
		missing = append(missing, ts)
	}
	if len(missing) == 0 {
		return out, nil
	}

	if s.rng != nil && len(missing) > s.threshold {
		grouped, err := s.rng.GetAt(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("range snapshots: %w", err)
		}
		for ts, samples := range grouped {
			m := make(map[string]float64, len(samples))
			for _, smp := range samples {
				m[smp.Symbol] = smp.Open
			}
			out[ts] = m
		}
		return out, nil
	}

	samples, err := s.prices.GetByTimestamps(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("point snapshots: %w", err)
	}
	fetched := make(map[int64]map[string]float64, len(missing))
	for _, ts := range missing {
		fetched[ts] = map[string]float64{}
	}
	for _, smp := range samples {
		if m, ok := fetched[smp.TimestampMs]; ok {
			m[smp.Symbol] = smp.Open
		}
	}
	for ts, m := range fetched {
		s.points.Set(ts, m)
		if len(m) > 0 {
			out[ts] = m
		}
	}
	return out, nil
}

// ClearCache drops cached single-timestamp lookups.
func (s *StoreSource) ClearCache() {
	s.points.Clear()
}

var (
	_ SnapshotSource = (*StaticSource)(nil)
	_ SnapshotSource = (*StoreSource)(nil)
)
