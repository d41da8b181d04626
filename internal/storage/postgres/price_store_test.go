package postgres

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-breadth-lab/internal/domain"
)

const t0 = int64(1_700_000_100_000)

func sample(symbol string, ts int64, open float64) *domain.PriceSample {
	return &domain.PriceSample{Symbol: symbol, TimestampMs: ts, Open: open, High: open, Low: open, Close: open, Volume: 1}
}

func TestPriceStore_InsertBulkSkipsDuplicates(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPriceStore(pool)
	ctx := context.Background()

	n, err := store.InsertBulk(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = store.InsertBulk(ctx, []*domain.PriceSample{
		sample("BTCUSDT", t0, 100),
		sample("ETHUSDT", t0, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.InsertBulk(ctx, []*domain.PriceSample{
		sample("BTCUSDT", t0, 999),
		sample("BTCUSDT", t0+domain.IntervalMs, 101),
		sample("BTCUSDT", t0+domain.IntervalMs, 102),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetBySymbolRange(ctx, "BTCUSDT", t0, t0+domain.IntervalMs)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 100.0, got[0].Open)
	assert.Equal(t, 101.0, got[1].Open)
	assert.NotZero(t, got[0].ID)
}

func TestPriceStore_Queries(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPriceStore(pool)
	ctx := context.Background()

	_, err := store.InsertBulk(ctx, []*domain.PriceSample{
		sample("ETHUSDT", t0+domain.IntervalMs, 11),
		sample("BTCUSDT", t0, 100),
		sample("ETHUSDT", t0, 10),
		sample("BTCUSDT", t0+2*domain.IntervalMs, 102),
	})
	require.NoError(t, err)

	exists, err := store.ExistsAt(ctx, t0)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.ExistsAt(ctx, t0+3*domain.IntervalMs)
	require.NoError(t, err)
	assert.False(t, exists)

	ts, err := store.DistinctTimestamps(ctx, t0, t0+2*domain.IntervalMs)
	require.NoError(t, err)
	assert.Equal(t, []int64{t0, t0 + domain.IntervalMs, t0 + 2*domain.IntervalMs}, ts)

	symTs, err := store.TimestampsBySymbol(ctx, "BTCUSDT", t0, t0+2*domain.IntervalMs)
	require.NoError(t, err)
	assert.Equal(t, []int64{t0, t0 + 2*domain.IntervalMs}, symTs)

	syms, err := store.DistinctSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, syms)

	latest, err := store.LatestTimestamps(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0+2*domain.IntervalMs, latest["BTCUSDT"])

	first, err := store.FirstSamples(ctx, 0, math.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, 10.0, first["ETHUSDT"].Open)

	first, err = store.FirstSamples(ctx, t0+domain.IntervalMs, t0+2*domain.IntervalMs)
	require.NoError(t, err)
	assert.Equal(t, 11.0, first["ETHUSDT"].Open)
	assert.Equal(t, t0+2*domain.IntervalMs, first["BTCUSDT"].TimestampMs)

	byTs, err := store.GetByTimestamps(ctx, []int64{t0})
	require.NoError(t, err)
	require.Len(t, byTs, 2)
	assert.Equal(t, "BTCUSDT", byTs[0].Symbol)

	byRange, err := store.GetByTimeRange(ctx, t0, t0+domain.IntervalMs)
	require.NoError(t, err)
	assert.Len(t, byRange, 3)
}

func TestPriceStore_Deletes(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPriceStore(pool)
	ctx := context.Background()

	_, err := store.InsertBulk(ctx, []*domain.PriceSample{
		sample("BTCUSDT", t0, 100),
		sample("BTCUSDT", t0+domain.IntervalMs, 101),
		sample("ETHUSDT", t0, 10),
	})
	require.NoError(t, err)

	n, err := store.DeleteRange(ctx, t0+domain.IntervalMs, t0+domain.IntervalMs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.DeleteSymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.RemoveDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
