package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

func TestMergeRanges(t *testing.T) {
	const T = int64(1_700_000_100_000) - int64(1_700_000_100_000)%domain.IntervalMs
	m := domain.IntervalMs

	got := MergeRanges([]int64{T + 3*m, T, T + m})
	assert.Equal(t, []domain.MissingRange{
		{Start: T, End: T + m},
		{Start: T + 3*m, End: T + 3*m},
	}, got)
	assert.Equal(t, 2, got[0].Count())
	assert.Nil(t, MergeRanges(nil))
}

func gapFixture(t *testing.T) (*fixture, int64) {
	t.Helper()
	f := newFixture(t, Options{}, "AUSDT")
	ctx := context.Background()
	m := domain.IntervalMs
	T := domain.LatestClosedBoundary(f.clock()) - 10*m

	for ts := T - m; ts <= T+4*m; ts += m {
		f.ex.AddCandles("AUSDT", candle(ts, 100, 101))
	}
	// stored: T-5m, T+10m, T+20m
	_, err := f.prices.InsertBulk(ctx, []*domain.PriceSample{
		candle(T-m, 100, 101).ToSample("AUSDT"),
		candle(T+2*m, 100, 101).ToSample("AUSDT"),
		candle(T+4*m, 100, 101).ToSample("AUSDT"),
	})
	require.NoError(t, err)
	_, err = f.bases.SetIfAbsent(ctx, "AUSDT", 100)
	require.NoError(t, err)
	return f, T
}

func TestFindGaps(t *testing.T) {
	f, T := gapFixture(t)
	m := domain.IntervalMs

	gaps, err := f.p.FindGaps(context.Background(), T-10*m, T+4*m)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "AUSDT", gaps[0].Symbol)
	assert.Equal(t, 3, gaps[0].Missing)
	assert.Equal(t, []domain.MissingRange{
		{Start: T, End: T + m},
		{Start: T + 3*m, End: T + 3*m},
	}, gaps[0].Ranges, "time before the first sample is not a gap")

	_, err = f.p.FindGaps(context.Background(), T, T-m)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestRepairGaps(t *testing.T) {
	f, T := gapFixture(t)
	m := domain.IntervalMs
	ctx := context.Background()

	res, err := f.p.RepairGaps(ctx, T-m, T+4*m)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Symbols)
	assert.Equal(t, 2, res.Ranges)
	assert.Equal(t, 3, res.Missing)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 6, res.IndexPoints)
	assert.Empty(t, res.Failed)

	gaps, err := f.p.FindGaps(ctx, T-m, T+4*m)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestSyncSymbols_RemovesDelisted(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT", "BUSDT")
	ctx := context.Background()
	_, err := f.bases.SetIfAbsent(ctx, "AUSDT", 1)
	require.NoError(t, err)
	_, err = f.bases.SetIfAbsent(ctx, "ZUSDT", 1)
	require.NoError(t, err)
	_, err = f.prices.InsertBulk(ctx, []*domain.PriceSample{candle(domain.IntervalMs*1000, 1, 1).ToSample("ZUSDT")})
	require.NoError(t, err)

	res, err := f.p.SyncSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ZUSDT"}, res.Removed)
	assert.False(t, f.bases.Has("ZUSDT"))
	assert.True(t, f.bases.Has("AUSDT"))

	symbols, err := f.prices.DistinctSymbols(ctx)
	require.NoError(t, err)
	assert.Contains(t, symbols, "ZUSDT", "history is kept")
}

func TestDeleteSymbolAndRange(t *testing.T) {
	f, T := gapFixture(t)
	ctx := context.Background()
	m := domain.IntervalMs

	res, err := f.p.DeleteRange(ctx, T-m, T-m)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Samples)

	res, err = f.p.DeleteSymbol(ctx, "AUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Samples)
	assert.False(t, f.bases.Has("AUSDT"))

	_, err = f.p.DeleteRange(ctx, T, T-m)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestRemoveDuplicates_Idempotent(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT")
	ctx := context.Background()

	first, err := f.p.RemoveDuplicates(ctx)
	require.NoError(t, err)
	second, err := f.p.RemoveDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, *first, *second)
	assert.Equal(t, int64(0), second.Samples)
}
