package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/exchange"
	"market-breadth-lab/internal/index"
	"market-breadth-lab/internal/observability"
)

// CollectResult describes one live collection round.
type CollectResult struct {
	TimestampMs int64              `json:"timestamp_ms"`
	Symbols     int                `json:"symbols"`
	Fetched     int                `json:"fetched"`
	Failed      []string           `json:"failed,omitempty"`
	Skipped     bool               `json:"skipped"`  // timestamp already stored or nothing closed yet
	Buffered    bool               `json:"buffered"` // queued behind a running backfill
	Inserted    int                `json:"inserted"`
	Seeded      int                `json:"seeded"`
	Point       *domain.IndexPoint `json:"point,omitempty"`
}

// CollectLatest fetches the latest closed candle of every active symbol and
// stores it together with its index point. While a backfill runs the round is
// buffered instead and written by the backfill's final flush.
func (p *Pipeline) CollectLatest(ctx context.Context) (*CollectResult, error) {
	if p.Paused() {
		return nil, ErrCollectionPaused
	}
	started := time.Now()
	res, err := p.collect(ctx)
	completed := p.now()
	observability.RecordCollectionRound(time.Since(started).Seconds(), completed.Unix(), err == nil)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.lastRound = completed
	p.mu.Unlock()
	return res, nil
}

func (p *Pipeline) collect(ctx context.Context) (*CollectResult, error) {
	ts := domain.LatestClosedBoundary(p.now())
	res := &CollectResult{TimestampMs: ts}

	exists, err := p.prices.ExistsAt(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("check samples at %d: %w", ts, err)
	}
	if exists {
		res.Skipped = true
		return res, nil
	}

	symbols, err := p.exchange.ActiveSymbols(ctx)
	if err != nil {
		observability.RecordFetchError(PhaseLive, "symbols")
		return nil, fmt.Errorf("fetch active symbols: %w", err)
	}
	res.Symbols = len(symbols)

	candles, failed := p.fetchLatest(ctx, symbols, ts)
	res.Fetched = len(candles)
	res.Failed = failed
	if len(symbols) > 0 && len(failed) == len(symbols) {
		return nil, fmt.Errorf("fetch latest candles: all %d symbols failed", len(symbols))
	}
	if len(candles) == 0 {
		res.Skipped = true
		return res, nil
	}

	// another writer may have stored the timestamp while fetching
	exists, err = p.prices.ExistsAt(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("check samples at %d: %w", ts, err)
	}
	if exists {
		res.Skipped = true
		return res, nil
	}

	p.mu.Lock()
	if p.backfilling {
		size := p.pending.Add(ts, candles)
		p.mu.Unlock()
		observability.UpdatePendingSize(size)
		res.Buffered = true
		return res, nil
	}
	p.mu.Unlock()

	round, err := p.writeRound(ctx, PhaseLive, ts, samplesOf(ts, candles))
	if err != nil {
		return nil, err
	}
	res.Inserted = round.inserted
	res.Seeded = round.seeded
	res.Point = round.point
	return res, nil
}

// fetchLatest fetches the latest closed candle per symbol with a bounded pool.
// Candles not closing at ts are dropped. Failed symbols are returned sorted.
func (p *Pipeline) fetchLatest(ctx context.Context, symbols []string, ts int64) (map[string]*domain.Candle, []string) {
	var (
		mu      sync.Mutex
		candles = make(map[string]*domain.Candle, len(symbols))
		failed  []string
	)

	var g errgroup.Group
	g.SetLimit(p.fetchPoolSize)
	for _, sym := range symbols {
		g.Go(func() error {
			start := time.Now()
			c, err := p.exchange.LatestClosedCandle(ctx, sym)
			observability.RecordExchangeLatency("latest", time.Since(start).Seconds())

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				kind := "error"
				if errors.Is(err, exchange.ErrRateLimited) {
					kind = "rate_limited"
				}
				observability.RecordFetchError(PhaseLive, kind)
				failed = append(failed, sym)
				return nil
			}
			if c != nil && c.OpenTimeMs == ts {
				candles[sym] = c
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(failed)
	observability.RecordCandlesFetched(PhaseLive, len(candles))
	return candles, failed
}

type roundResult struct {
	inserted int
	seeded   int
	point    *domain.IndexPoint
}

// writeRound stores the samples of one timestamp and its index point.
// Symbols without a base price are seeded from this round and left out of its index.
func (p *Pipeline) writeRound(ctx context.Context, phase string, ts int64, samples []*domain.PriceSample) (roundResult, error) {
	var res roundResult

	point, missing, computeErr := p.calc.Compute(ts, samples)
	if computeErr != nil && !errors.Is(computeErr, index.ErrNoValidSymbols) {
		return res, fmt.Errorf("compute index at %d: %w", ts, computeErr)
	}

	seeded, err := p.seedMissing(ctx, missing)
	res.seeded = seeded
	if err != nil {
		return res, fmt.Errorf("seed base prices: %w", err)
	}

	res.inserted, err = p.insertSamples(ctx, phase, samples)
	if err != nil {
		return res, err
	}
	defer p.invalidate(ts, ts)

	if point == nil {
		return res, nil
	}
	exists, err := p.index.Exists(ctx, ts)
	if err != nil {
		return res, fmt.Errorf("check index at %d: %w", ts, err)
	}
	if exists {
		return res, nil
	}
	n, err := p.insertPoints(ctx, phase, []*domain.IndexPoint{point})
	if err != nil {
		return res, err
	}
	if n == 0 {
		return res, nil
	}

	res.point = point
	if p.onIndexPoint != nil {
		p.onIndexPoint(point)
	}
	return res, nil
}

// FlushResult describes a pending flush.
type FlushResult struct {
	Rounds      int `json:"rounds"`
	Inserted    int `json:"inserted"`
	Seeded      int `json:"seeded"`
	IndexPoints int `json:"index_points"`
}

// FlushPending drains the pending buffer and writes every round, computing
// index points only for timestamps that do not have one yet.
func (p *Pipeline) FlushPending(ctx context.Context) (*FlushResult, error) {
	return p.writePending(ctx, p.pending.Drain())
}

func (p *Pipeline) writePending(ctx context.Context, rounds []*domain.PendingSample) (*FlushResult, error) {
	res := &FlushResult{Rounds: len(rounds)}
	defer func() { observability.UpdatePendingSize(p.pending.Len()) }()

	for i, r := range rounds {
		round, err := p.writeRound(ctx, PhasePending, r.TimestampMs, samplesOf(r.TimestampMs, r.Candles))
		res.Inserted += round.inserted
		res.Seeded += round.seeded
		if round.point != nil {
			res.IndexPoints++
		}
		if err != nil {
			// put back what was not written so a later flush can retry
			for _, rest := range rounds[i:] {
				p.pending.Add(rest.TimestampMs, rest.Candles)
			}
			return res, fmt.Errorf("flush pending round %d: %w", r.TimestampMs, err)
		}
	}
	return res, nil
}
