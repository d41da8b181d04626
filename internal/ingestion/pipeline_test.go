package ingestion

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-breadth-lab/internal/baseprice"
	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/exchange"
	"market-breadth-lab/internal/exchange/stub"
	"market-breadth-lab/internal/storage/memory"
)

var testStart = time.Date(2024, 1, 10, 0, 0, 30, 0, time.UTC)

type fixture struct {
	ex     *stub.Client
	prices *memory.PriceStore
	index  *memory.IndexStore
	bases  *baseprice.Registry
	p      *Pipeline

	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	emitted []*domain.IndexPoint
}

func newFixture(t *testing.T, opts Options, symbols ...string) *fixture {
	t.Helper()
	f := &fixture{
		ex:     stub.NewClient(symbols...),
		prices: memory.NewPriceStore(),
		index:  memory.NewIndexStore(),
		bases:  baseprice.NewRegistry(memory.NewBasePriceStore()),
		now:    testStart,
	}
	opts.Exchange = f.ex
	opts.Prices = f.prices
	opts.Index = f.index
	opts.Bases = f.bases
	opts.Now = f.clock
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err()
	}
	opts.OnIndexPoint = func(p *domain.IndexPoint) {
		f.mu.Lock()
		f.emitted = append(f.emitted, p)
		f.mu.Unlock()
	}
	opts.Logger = log.New(io.Discard, "", 0)
	f.p = New(opts)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// seedDay adds one day of candles ending at the latest closed boundary.
func (f *fixture) seedDay(symbol string, open, close float64) {
	to := domain.LatestClosedBoundary(f.clock())
	for ts := to - domain.DayMs + domain.IntervalMs; ts <= to; ts += domain.IntervalMs {
		f.ex.AddCandles(symbol, candle(ts, open, close))
	}
}

func candle(ts int64, open, close float64) *domain.Candle {
	return &domain.Candle{OpenTimeMs: ts, Open: open, High: max(open, close), Low: min(open, close), Close: close, Volume: 10}
}

func TestBackfill_FillsWindowAndIndex(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT", "BUSDT")
	f.seedDay("AUSDT", 100, 110)
	f.seedDay("BUSDT", 200, 190)
	ctx := context.Background()

	res, err := f.p.Backfill(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, 576, res.Backfill.Inserted)
	assert.Equal(t, 288, res.IndexPoints)
	assert.Equal(t, 2, res.BasePricesSeeded)
	assert.Empty(t, res.Backfill.Failed)

	base, ok := f.bases.Get("AUSDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, base)

	latest, err := f.index.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.To, latest.TimestampMs)
	assert.InDelta(t, 2.5, latest.IndexValue, 1e-9)
	assert.Equal(t, 2, latest.CoinCount)
	assert.Equal(t, 1, latest.UpCount)
	assert.Equal(t, 1, latest.DownCount)
	assert.Equal(t, 1.0, latest.AdvanceDeclineRatio)
	assert.InDelta(t, 20.0, latest.TotalVolume, 1e-9)

	status := f.p.Status()
	assert.False(t, status.Backfilling)
	assert.Equal(t, testStart, status.LastBackfill)
	assert.Equal(t, 2, status.TrackedSymbols)
}

func TestBackfill_Idempotent(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT", "BUSDT")
	f.seedDay("AUSDT", 100, 110)
	f.seedDay("BUSDT", 200, 190)
	ctx := context.Background()

	first, err := f.p.Backfill(ctx, 1)
	require.NoError(t, err)
	calls := f.ex.Calls("AUSDT")

	second, err := f.p.Backfill(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, 0, second.Backfill.Inserted)
	assert.Equal(t, 0, second.IndexPoints)
	assert.Equal(t, 0, second.BasePricesSeeded)
	assert.Equal(t, calls, f.ex.Calls("AUSDT"), "complete symbols should not be fetched again")

	samples, err := f.prices.GetByTimeRange(ctx, first.From, first.To)
	require.NoError(t, err)
	assert.Len(t, samples, 576)
	points, err := f.index.GetRange(ctx, first.From, first.To)
	require.NoError(t, err)
	assert.Len(t, points, 288)
}

func TestBackfill_ResumesAfterLatestSample(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT")
	f.seedDay("AUSDT", 100, 101)
	ctx := context.Background()

	to := domain.LatestClosedBoundary(f.clock())
	from := to - domain.DayMs + domain.IntervalMs
	_, err := f.prices.InsertBulk(ctx, []*domain.PriceSample{
		candle(from, 100, 101).ToSample("AUSDT"),
		candle(from+domain.IntervalMs, 100, 101).ToSample("AUSDT"),
	})
	require.NoError(t, err)

	res, err := f.p.Backfill(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 286, res.Backfill.Fetched)
	assert.Equal(t, 286, res.Backfill.Inserted)
}

func TestBackfill_CatchUpPhase(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT")
	f.seedDay("AUSDT", 100, 101)
	next := domain.LatestClosedBoundary(f.clock()) + domain.IntervalMs
	f.ex.AddCandles("AUSDT", candle(next, 100, 102))

	// move the clock once phase 1 has asked for symbols
	moved := false
	f.p.now = func() time.Time {
		now := f.clock()
		if !moved && f.ex.Calls("AUSDT") > 0 {
			moved = true
			f.advance(domain.Interval)
			now = f.clock()
		}
		return now
	}

	res, err := f.p.Backfill(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 288, res.Backfill.Inserted)
	assert.Equal(t, 1, res.CatchUp.Inserted)
	assert.Equal(t, next, res.To)
	assert.Equal(t, 289, res.IndexPoints)
}

func TestBackfill_RateLimitedSymbolsAbandoned(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 1, FailureThreshold: 1, FailureBackoff: time.Minute},
		"AUSDT", "BUSDT", "CUSDT")
	f.seedDay("AUSDT", 100, 101)
	f.ex.SetRateLimited(true)

	res, err := f.p.Backfill(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"AUSDT", "BUSDT", "CUSDT"}, res.Backfill.RateLimited)
	assert.Equal(t, 0, res.Backfill.Inserted)
	assert.Equal(t, 0, f.ex.Calls("AUSDT"), "rate-limited client should not be called")
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, f.sleeps)
}

func TestBackfill_FailedSymbolsListed(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT", "BUSDT")
	f.seedDay("AUSDT", 100, 101)
	f.seedDay("BUSDT", 100, 101)
	f.ex.SetError("BUSDT", errors.New("boom"))

	res, err := f.p.Backfill(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"BUSDT"}, res.Backfill.Failed)
	assert.Equal(t, 288, res.Backfill.Inserted)
	assert.False(t, f.bases.Has("BUSDT"))
}

func TestBackfill_ConcurrentCallRejected(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT")
	f.p.mu.Lock()
	f.p.backfilling = true
	f.p.mu.Unlock()

	_, err := f.p.Backfill(context.Background(), 1)
	assert.ErrorIs(t, err, ErrBackfillRunning)
}

func TestBackfill_RelistedSymbolSeededAfterRemoval(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT")
	f.seedDay("AUSDT", 100, 100)
	ctx := context.Background()

	_, err := f.p.Backfill(ctx, 1)
	require.NoError(t, err)
	base, _ := f.bases.Get("AUSDT")
	require.Equal(t, 100.0, base)

	f.ex.SetSymbols("BUSDT")
	_, err = f.p.SyncSymbols(ctx)
	require.NoError(t, err)
	require.False(t, f.bases.Has("AUSDT"))

	f.advance(72 * time.Hour)
	f.ex.SetSymbols("AUSDT", "BUSDT")
	f.seedDay("AUSDT", 500, 500)

	res, err := f.p.Backfill(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BasePricesSeeded)
	base, ok := f.bases.Get("AUSDT")
	require.True(t, ok)
	assert.Equal(t, 500.0, base, "relisted symbol takes its price on return")

	latest, err := f.index.Latest(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, latest.IndexValue, 1e-9)
}

func TestBackfill_StartsAfterLatestStoredSample(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT")
	ctx := context.Background()
	m := domain.IntervalMs
	to := domain.LatestClosedBoundary(f.clock())
	old := to - 3*domain.DayMs

	_, err := f.prices.InsertBulk(ctx, []*domain.PriceSample{candle(old, 100, 100).ToSample("AUSDT")})
	require.NoError(t, err)
	for ts := old + m; ts <= to; ts += m {
		f.ex.AddCandles("AUSDT", candle(ts, 100, 101))
	}

	res, err := f.p.Backfill(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, old+m, res.From, "history older than the window is resumed")
	assert.Equal(t, 864, res.Backfill.Inserted)

	base, _ := f.bases.Get("AUSDT")
	assert.Equal(t, 100.0, base)
}

func TestBackfill_LeavesInteriorHolesToRepair(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT")
	f.seedDay("AUSDT", 100, 101)
	ctx := context.Background()
	m := domain.IntervalMs
	to := domain.LatestClosedBoundary(f.clock())
	from := to - domain.DayMs + m

	_, err := f.prices.InsertBulk(ctx, []*domain.PriceSample{
		candle(from, 100, 101).ToSample("AUSDT"),
		candle(to-m, 100, 101).ToSample("AUSDT"),
	})
	require.NoError(t, err)

	res, err := f.p.Backfill(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Backfill.Inserted)

	gaps, err := f.p.FindGaps(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, 285, gaps[0].Missing)

	repaired, err := f.p.RepairGaps(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, 285, repaired.Inserted)
}

type recordingInvalidator struct {
	mu     sync.Mutex
	ranges [][2]int64
}

func (r *recordingInvalidator) InvalidateRange(start, end int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges = append(r.ranges, [2]int64{start, end})
	return true
}

func TestBackfill_InvalidatesEachPage(t *testing.T) {
	rec := &recordingInvalidator{}
	f := newFixture(t, Options{Cache: rec}, "AUSDT")
	m := domain.IntervalMs
	to := domain.LatestClosedBoundary(f.clock())
	from := to - 6*domain.DayMs + m
	for ts := from; ts <= to; ts += m {
		f.ex.AddCandles("AUSDT", candle(ts, 100, 101))
	}

	res, err := f.p.Backfill(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, 1728, res.Backfill.Inserted)

	pageEnd := from + int64(exchange.MaxCandlesPerRequest-1)*m
	assert.Equal(t, [][2]int64{
		{from, pageEnd},
		{pageEnd + m, to},
		{from, to},
	}, rec.ranges)
}

func TestCollectLatest_StoresRoundAndIndex(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT", "BUSDT")
	f.seedDay("AUSDT", 100, 100)
	f.seedDay("BUSDT", 200, 200)
	ctx := context.Background()
	_, err := f.p.Backfill(ctx, 1)
	require.NoError(t, err)

	f.advance(domain.Interval)
	ts := domain.LatestClosedBoundary(f.clock())
	f.ex.AddCandles("AUSDT", candle(ts, 100, 110))
	f.ex.AddCandles("BUSDT", candle(ts, 200, 190))

	res, err := f.p.CollectLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts, res.TimestampMs)
	assert.Equal(t, 2, res.Inserted)
	require.NotNil(t, res.Point)
	assert.InDelta(t, 2.5, res.Point.IndexValue, 1e-9)
	require.Len(t, f.emitted, 1)
	assert.Equal(t, ts, f.emitted[0].TimestampMs)

	again, err := f.p.CollectLatest(ctx)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Len(t, f.emitted, 1)
}

func TestCollectLatest_SeedsNewSymbolOutsideRound(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT", "BUSDT")
	ctx := context.Background()
	_, err := f.bases.SetIfAbsent(ctx, "AUSDT", 100)
	require.NoError(t, err)
	_, err = f.bases.SetIfAbsent(ctx, "BUSDT", 200)
	require.NoError(t, err)

	ts := domain.LatestClosedBoundary(f.clock())
	f.ex.SetSymbols("AUSDT", "BUSDT", "CUSDT")
	f.ex.AddCandles("AUSDT", candle(ts, 100, 110))
	f.ex.AddCandles("BUSDT", candle(ts, 200, 190))
	f.ex.AddCandles("CUSDT", candle(ts, 5, 9))

	res, err := f.p.CollectLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Seeded)
	assert.Equal(t, 3, res.Inserted)
	require.NotNil(t, res.Point)
	assert.Equal(t, 2, res.Point.CoinCount)

	base, ok := f.bases.Get("CUSDT")
	require.True(t, ok)
	assert.Equal(t, 5.0, base)
}

func TestCollectLatest_DropsUnclosedCandles(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT")
	ts := domain.LatestClosedBoundary(f.clock())
	f.ex.AddCandles("AUSDT", candle(ts-domain.IntervalMs, 100, 110))

	res, err := f.p.CollectLatest(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, res.Fetched)
}

func TestCollectLatest_AllFailed(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT", "BUSDT")
	f.ex.SetError("AUSDT", errors.New("down"))
	f.ex.SetError("BUSDT", errors.New("down"))

	_, err := f.p.CollectLatest(context.Background())
	assert.Error(t, err)
}

func TestCollectLatest_PausedRefused(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT")
	f.p.Pause(errors.New("boom"))

	_, err := f.p.CollectLatest(context.Background())
	assert.ErrorIs(t, err, ErrCollectionPaused)
	assert.Equal(t, "boom", f.p.Status().PauseReason)

	f.p.Resume()
	assert.False(t, f.p.Paused())
}

func TestCollectLatest_BufferedWhileBackfilling(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT", "BUSDT")
	ctx := context.Background()
	_, err := f.bases.SetIfAbsent(ctx, "AUSDT", 100)
	require.NoError(t, err)
	_, err = f.bases.SetIfAbsent(ctx, "BUSDT", 200)
	require.NoError(t, err)

	ts := domain.LatestClosedBoundary(f.clock())
	f.ex.AddCandles("AUSDT", candle(ts, 100, 110))
	f.ex.AddCandles("BUSDT", candle(ts, 200, 190))

	f.p.mu.Lock()
	f.p.backfilling = true
	f.p.mu.Unlock()

	for i := 0; i < 2; i++ {
		res, err := f.p.CollectLatest(ctx)
		require.NoError(t, err)
		assert.True(t, res.Buffered)
	}
	assert.Equal(t, 1, f.p.Status().Pending, "rounds for one timestamp are merged")

	exists, err := f.prices.ExistsAt(ctx, ts)
	require.NoError(t, err)
	assert.False(t, exists)

	f.p.mu.Lock()
	f.p.backfilling = false
	f.p.mu.Unlock()

	flushed, err := f.p.FlushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flushed.Rounds)
	assert.Equal(t, 2, flushed.Inserted)
	assert.Equal(t, 1, flushed.IndexPoints)
	assert.Equal(t, 0, f.p.Status().Pending)

	point, err := f.index.GetAt(ctx, ts)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, point.IndexValue, 1e-9)
}

func TestPipeline_UniqueUnderConcurrentCollectAndFlush(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT", "BUSDT")
	ctx := context.Background()
	_, err := f.bases.SetIfAbsent(ctx, "AUSDT", 100)
	require.NoError(t, err)
	_, err = f.bases.SetIfAbsent(ctx, "BUSDT", 200)
	require.NoError(t, err)

	ts := domain.LatestClosedBoundary(f.clock())
	f.ex.AddCandles("AUSDT", candle(ts, 100, 110))
	f.ex.AddCandles("BUSDT", candle(ts, 200, 190))
	f.p.pending.Add(ts, map[string]*domain.Candle{
		"AUSDT": candle(ts, 100, 110),
		"BUSDT": candle(ts, 200, 190),
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.p.CollectLatest(ctx)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.p.FlushPending(ctx)
		}()
	}
	wg.Wait()

	samples, err := f.prices.GetByTimestamps(ctx, []int64{ts})
	require.NoError(t, err)
	assert.Len(t, samples, 2)
	points, err := f.index.GetRange(ctx, ts, ts)
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestBackfill_FlushesPendingAtEnd(t *testing.T) {
	f := newFixture(t, Options{}, "AUSDT")
	f.seedDay("AUSDT", 100, 101)
	ctx := context.Background()

	next := domain.LatestClosedBoundary(f.clock()) + domain.IntervalMs
	f.p.pending.Add(next, map[string]*domain.Candle{"AUSDT": candle(next, 100, 105)})

	res, err := f.p.Backfill(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PendingFlushed)
	assert.Equal(t, 289, res.IndexPoints)

	point, err := f.index.GetAt(ctx, next)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, point.IndexValue, 1e-9)
}

func TestPendingBuffer_DrainSorted(t *testing.T) {
	b := NewPendingBuffer()
	b.Add(300, map[string]*domain.Candle{"A": {OpenTimeMs: 300}})
	b.Add(100, map[string]*domain.Candle{"A": {OpenTimeMs: 100}})
	b.Add(100, map[string]*domain.Candle{"B": {OpenTimeMs: 100}})

	rounds := b.Drain()
	require.Len(t, rounds, 2)
	assert.Equal(t, int64(100), rounds[0].TimestampMs)
	assert.Len(t, rounds[0].Candles, 2)
	assert.Equal(t, 0, b.Len())
}
