package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"market-breadth-lab/internal/domain"
)

// RangeLoader fetches every sample with timestamp in [start, end].
type RangeLoader func(ctx context.Context, start, end int64) ([]*domain.PriceSample, error)

// RangeStats reports range cache usage.
type RangeStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Start   int64 `json:"start"` // cached range start, 0 when empty
	End     int64 `json:"end"`
	Samples int   `json:"samples"`
}

// RangeCache holds one contiguous block of samples aligned to natural days.
// Requests contained in the block are served without touching the loader;
// a request reaching outside replaces the block with a newly aligned one.
type RangeCache struct {
	mu     sync.Mutex
	loader RangeLoader
	loc    *time.Location

	loaded  bool
	start   int64
	end     int64
	samples []*domain.PriceSample // sorted by timestamp, then symbol
	hits    int64
	misses  int64
}

// NewRangeCache creates an empty range cache aligning days in loc (UTC when nil).
func NewRangeCache(loader RangeLoader, loc *time.Location) *RangeCache {
	if loc == nil {
		loc = time.UTC
	}
	return &RangeCache{loader: loader, loc: loc}
}

// AlignToDays widens [start, end] to whole days in loc:
// start snaps to local midnight, end to the last millisecond before the next midnight.
func AlignToDays(start, end int64, loc *time.Location) (int64, int64) {
	s := time.UnixMilli(start).In(loc)
	dayStart := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)

	e := time.UnixMilli(end).In(loc)
	nextDay := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)

	return dayStart.UnixMilli(), nextDay.UnixMilli() - 1
}

// Get returns samples within [start, end], sorted by timestamp then symbol.
func (c *RangeCache) Get(ctx context.Context, start, end int64) ([]*domain.PriceSample, error) {
	if end < start {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded && start >= c.start && end <= c.end {
		c.hits++
		return c.slice(start, end), nil
	}

	c.misses++
	alignedStart, alignedEnd := AlignToDays(start, end, c.loc)
	samples, err := c.loader(ctx, alignedStart, alignedEnd)
	if err != nil {
		return nil, fmt.Errorf("load range [%d, %d]: %w", alignedStart, alignedEnd, err)
	}
	sorted := make([]*domain.PriceSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TimestampMs != sorted[j].TimestampMs {
			return sorted[i].TimestampMs < sorted[j].TimestampMs
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})

	c.loaded = true
	c.start = alignedStart
	c.end = alignedEnd
	c.samples = sorted
	return c.slice(start, end), nil
}

// GetAt returns the samples at exactly the given timestamps, grouped by timestamp.
// The request is served from one Get over the covering range.
func (c *RangeCache) GetAt(ctx context.Context, timestamps []int64) (map[int64][]*domain.PriceSample, error) {
	out := make(map[int64][]*domain.PriceSample, len(timestamps))
	if len(timestamps) == 0 {
		return out, nil
	}
	lo, hi := timestamps[0], timestamps[0]
	want := make(map[int64]struct{}, len(timestamps))
	for _, ts := range timestamps {
		want[ts] = struct{}{}
		if ts < lo {
			lo = ts
		}
		if ts > hi {
			hi = ts
		}
	}

	samples, err := c.Get(ctx, lo, hi)
	if err != nil {
		return nil, err
	}
	for _, s := range samples {
		if _, ok := want[s.TimestampMs]; ok {
			out[s.TimestampMs] = append(out[s.TimestampMs], s)
		}
	}
	return out, nil
}

// InvalidateRange drops the whole cached block if it overlaps [start, end].
func (c *RangeCache) InvalidateRange(start, end int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded || end < c.start || start > c.end {
		return false
	}
	c.reset()
	return true
}

// Clear drops the cached block.
func (c *RangeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Stats returns usage counters and the cached span.
func (c *RangeCache) Stats() RangeStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := RangeStats{Hits: c.hits, Misses: c.misses, Samples: len(c.samples)}
	if c.loaded {
		st.Start = c.start
		st.End = c.end
	}
	return st
}

func (c *RangeCache) reset() {
	c.loaded = false
	c.start = 0
	c.end = 0
	c.samples = nil
}

// slice returns the cached samples within [start, end]. Caller holds mu.
// Callers share the underlying sample pointers and must not mutate them.
func (c *RangeCache) slice(start, end int64) []*domain.PriceSample {
	lo := sort.Search(len(c.samples), func(i int) bool { return c.samples[i].TimestampMs >= start })
	hi := sort.Search(len(c.samples), func(i int) bool { return c.samples[i].TimestampMs > end })
	out := make([]*domain.PriceSample, hi-lo)
	copy(out, c.samples[lo:hi])
	return out
}
