package cache

import (
	"context"
	"testing"
	"time"

	"market-breadth-lab/internal/domain"
)

type countingLoader struct {
	calls   int
	lastLo  int64
	lastHi  int64
	samples []*domain.PriceSample
}

func (l *countingLoader) load(_ context.Context, start, end int64) ([]*domain.PriceSample, error) {
	l.calls++
	l.lastLo, l.lastHi = start, end
	var out []*domain.PriceSample
	for _, s := range l.samples {
		if s.TimestampMs >= start && s.TimestampMs <= end {
			out = append(out, s)
		}
	}
	return out, nil
}

func day(y int, m time.Month, d, h int) int64 {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC).UnixMilli()
}

func TestRangeCache_HitWithinAlignedRange(t *testing.T) {
	loader := &countingLoader{samples: []*domain.PriceSample{
		{Symbol: "BTCUSDT", TimestampMs: day(2024, 1, 1, 0)},
		{Symbol: "BTCUSDT", TimestampMs: day(2024, 1, 1, 6)},
		{Symbol: "ETHUSDT", TimestampMs: day(2024, 1, 1, 6)},
		{Symbol: "BTCUSDT", TimestampMs: day(2024, 1, 2, 12)},
	}}
	c := NewRangeCache(loader.load, time.UTC)
	ctx := context.Background()

	got, err := c.Get(ctx, day(2024, 1, 1, 5), day(2024, 1, 1, 7))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 samples, got %d", len(got))
	}
	if loader.lastLo != day(2024, 1, 1, 0) || loader.lastHi != day(2024, 1, 2, 0)-1 {
		t.Errorf("expected request aligned to the natural day, got [%d, %d]", loader.lastLo, loader.lastHi)
	}

	// Contained request: zero loader calls.
	got, _ = c.Get(ctx, day(2024, 1, 1, 0), day(2024, 1, 1, 23))
	if loader.calls != 1 {
		t.Errorf("expected cached hit, loader called %d times", loader.calls)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 samples for the whole day, got %d", len(got))
	}

	// Partially outside: reload.
	got, _ = c.Get(ctx, day(2024, 1, 1, 12), day(2024, 1, 2, 13))
	if loader.calls != 2 {
		t.Errorf("expected reload, loader called %d times", loader.calls)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 sample, got %d", len(got))
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRangeCache_InvalidateOverlap(t *testing.T) {
	loader := &countingLoader{}
	c := NewRangeCache(loader.load, time.UTC)
	ctx := context.Background()

	_, _ = c.Get(ctx, day(2024, 1, 1, 1), day(2024, 1, 1, 2))
	if c.InvalidateRange(day(2024, 1, 3, 0), day(2024, 1, 3, 1)) {
		t.Error("expected non-overlapping invalidation to keep the block")
	}
	if !c.InvalidateRange(day(2024, 1, 1, 12), day(2024, 1, 1, 12)) {
		t.Error("expected overlapping invalidation to drop the block")
	}
	_, _ = c.Get(ctx, day(2024, 1, 1, 1), day(2024, 1, 1, 2))
	if loader.calls != 2 {
		t.Errorf("expected reload after invalidation, got %d calls", loader.calls)
	}
}

func TestRangeCache_GetAt(t *testing.T) {
	loader := &countingLoader{samples: []*domain.PriceSample{
		{Symbol: "A", TimestampMs: day(2024, 1, 1, 1)},
		{Symbol: "A", TimestampMs: day(2024, 1, 1, 2)},
		{Symbol: "B", TimestampMs: day(2024, 1, 1, 3)},
	}}
	c := NewRangeCache(loader.load, time.UTC)

	got, err := c.GetAt(context.Background(), []int64{day(2024, 1, 1, 3), day(2024, 1, 1, 1)})
	if err != nil {
		t.Fatalf("GetAt: %v", err)
	}
	if len(got) != 2 || len(got[day(2024, 1, 1, 2)]) != 0 {
		t.Errorf("expected only requested timestamps, got %v", got)
	}
}

func TestAlignToDays_Location(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	// 2024-01-01 20:00 UTC is 2024-01-02 04:00 local.
	start, end := AlignToDays(day(2024, 1, 1, 20), day(2024, 1, 1, 20), loc)
	if start != time.Date(2024, 1, 2, 0, 0, 0, 0, loc).UnixMilli() {
		t.Errorf("unexpected aligned start %d", start)
	}
	if end != time.Date(2024, 1, 3, 0, 0, 0, 0, loc).UnixMilli()-1 {
		t.Errorf("unexpected aligned end %d", end)
	}
}
