package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/exchange"
	"market-breadth-lab/internal/index"
	"market-breadth-lab/internal/observability"
)

// indexChunk is the number of timestamps loaded per index computation batch (one day).
const indexChunk = int(domain.DayMs / domain.IntervalMs)

// PhaseStats contains statistics from one fetch phase.
type PhaseStats struct {
	Symbols     int      `json:"symbols"`
	Fetched     int      `json:"fetched"`
	Inserted    int      `json:"inserted"`
	Failed      []string `json:"failed,omitempty"`
	RateLimited []string `json:"rate_limited,omitempty"`
}

// BackfillResult contains statistics from a backfill operation.
type BackfillResult struct {
	From             int64         `json:"from"`
	To               int64         `json:"to"`
	Days             int           `json:"days"`
	Backfill         PhaseStats    `json:"backfill"`
	CatchUp          PhaseStats    `json:"catch_up"`
	BasePricesSeeded int           `json:"base_prices_seeded"`
	IndexPoints      int           `json:"index_points"`
	PendingFlushed   int           `json:"pending_flushed"`
	Duration         time.Duration `json:"duration"`
}

// Backfill fills the last days of 5-minute candles for every active symbol,
// catches up to the boundary reached meanwhile, bootstraps missing base prices,
// computes every missing index point in the window and flushes rounds buffered
// by live collection. Days <= 0 uses the configured lookback.
// Only one backfill runs at a time; a concurrent call returns ErrBackfillRunning.
func (p *Pipeline) Backfill(ctx context.Context, days int) (*BackfillResult, error) {
	if days <= 0 {
		days = p.lookbackDays
	}

	p.mu.Lock()
	if p.backfilling {
		p.mu.Unlock()
		return nil, ErrBackfillRunning
	}
	p.backfilling = true
	p.mu.Unlock()
	observability.UpdateBackfilling(true)

	start := time.Now()
	result := &BackfillResult{Days: days}
	err := p.backfill(ctx, result)

	// clearing the flag and draining under one lock leaves no round stranded
	p.mu.Lock()
	p.backfilling = false
	rounds := p.pending.Drain()
	p.mu.Unlock()
	observability.UpdateBackfilling(false)

	flushed, flushErr := p.writePending(ctx, rounds)
	if flushed != nil {
		result.PendingFlushed = flushed.Rounds
		result.IndexPoints += flushed.IndexPoints
	}
	if result.To > 0 {
		p.invalidate(result.From, result.To)
	}
	result.Duration = time.Since(start)

	if err = errors.Join(err, flushErr); err != nil {
		p.logger.Printf("Backfill failed after %v: %v", result.Duration, err)
		return result, err
	}

	completed := p.now()
	p.mu.Lock()
	p.lastBackfill = completed
	p.mu.Unlock()
	observability.RecordBackfillComplete(completed.Unix())

	p.logger.Printf("Backfill complete: %d+%d samples, %d base prices, %d index points, %d pending rounds in %v",
		result.Backfill.Inserted, result.CatchUp.Inserted, result.BasePricesSeeded,
		result.IndexPoints, result.PendingFlushed, result.Duration)
	return result, nil
}

func (p *Pipeline) backfill(ctx context.Context, result *BackfillResult) error {
	symbols, err := p.exchange.ActiveSymbols(ctx)
	if err != nil {
		observability.RecordFetchError(PhaseBackfill, "symbols")
		return fmt.Errorf("fetch active symbols: %w", err)
	}

	to := domain.LatestClosedBoundary(p.now())
	starts, from, err := p.phaseStarts(ctx, symbols, to-int64(result.Days)*domain.DayMs+domain.IntervalMs)
	if err != nil {
		return err
	}
	result.From, result.To = from, to

	p.logger.Printf("Starting backfill of %d symbols from %s to %s", len(symbols),
		time.UnixMilli(from).UTC().Format(time.RFC3339), time.UnixMilli(to).UTC().Format(time.RFC3339))

	result.Backfill = p.fetchAll(ctx, PhaseBackfill, symbols, func(sym string) int64 { return starts[sym] }, to)
	if err := ctx.Err(); err != nil {
		return err
	}

	// the boundary moves while phase 1 runs
	if next := domain.LatestClosedBoundary(p.now()); next > to {
		catchUp := func(string) int64 { return to + domain.IntervalMs }
		result.CatchUp = p.fetchAll(ctx, PhaseCatchUp, symbols, catchUp, next)
		result.To = next
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	seeded, err := p.bootstrapBases(ctx, symbols, result.From, result.To)
	result.BasePricesSeeded = seeded
	if err != nil {
		return err
	}

	points, err := p.indexMissing(ctx, PhaseBackfill, result.From, result.To)
	result.IndexPoints += points
	return err
}

// phaseStarts picks where phase 1 begins for each symbol: right after its newest
// stored sample, or windowStart for a symbol with no history. Holes behind the
// newest sample are left to RepairGaps. from is the earliest start.
func (p *Pipeline) phaseStarts(ctx context.Context, symbols []string, windowStart int64) (map[string]int64, int64, error) {
	latest, err := p.prices.LatestTimestamps(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("load latest timestamps: %w", err)
	}
	starts := make(map[string]int64, len(symbols))
	from := windowStart
	for _, sym := range symbols {
		start := windowStart
		if ts, ok := latest[sym]; ok {
			start = ts + domain.IntervalMs
		}
		starts[sym] = start
		from = min(from, start)
	}
	return starts, from, nil
}

// fetchAll fetches [from(symbol), to] for every symbol with at most concurrency symbols in flight.
// Every FailureThreshold consecutive failures the dispatcher pauses for FailureBackoff.
func (p *Pipeline) fetchAll(ctx context.Context, phase string, symbols []string, from func(string) int64, to int64) PhaseStats {
	stats := PhaseStats{Symbols: len(symbols)}

	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		consecutive int
	)
	sem := semaphore.NewWeighted(int64(p.concurrency))

	for _, sym := range symbols {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		mu.Lock()
		backoff := consecutive >= p.failureThreshold
		if backoff {
			consecutive = 0
		}
		mu.Unlock()
		if backoff {
			p.logger.Printf("WARN: %d consecutive fetch failures, backing off %v", p.failureThreshold, p.failureBackoff)
			if err := p.sleep(ctx, p.failureBackoff); err != nil {
				sem.Release(1)
				break
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			fetched, inserted, err := p.fetchSymbol(ctx, phase, sym, from(sym), to)

			mu.Lock()
			defer mu.Unlock()
			stats.Fetched += fetched
			stats.Inserted += inserted
			switch {
			case err == nil:
				consecutive = 0
			case errors.Is(err, exchange.ErrRateLimited):
				stats.RateLimited = append(stats.RateLimited, sym)
				consecutive++
				observability.RecordRateLimitedSymbol()
			case ctx.Err() != nil:
			default:
				stats.Failed = append(stats.Failed, sym)
				consecutive++
				p.logger.Printf("WARN: %s %s: %v", phase, sym, err)
			}
		}()
	}
	wg.Wait()

	sort.Strings(stats.Failed)
	sort.Strings(stats.RateLimited)
	if len(stats.RateLimited) > 0 {
		p.logger.Printf("WARN: %s abandoned %d rate-limited symbols", phase, len(stats.RateLimited))
	}
	return stats
}

// fetchSymbol pages candles of symbol in increasing time order from the first
// missing timestamp in [from, to]. Timestamps already stored are filtered out
// before insert. A rate-limit signal abandons the symbol.
func (p *Pipeline) fetchSymbol(ctx context.Context, phase, symbol string, from, to int64) (fetched, inserted int, err error) {
	if p.exchange.IsRateLimited() {
		observability.RecordFetchError(phase, "rate_limited")
		return 0, 0, exchange.ErrRateLimited
	}

	stored, err := p.prices.TimestampsBySymbol(ctx, symbol, from, to)
	if err != nil {
		return 0, 0, fmt.Errorf("load stored timestamps: %w", err)
	}
	have := make(map[int64]struct{}, len(stored))
	for _, ts := range stored {
		have[ts] = struct{}{}
	}

	cursor := int64(-1)
	for _, ts := range domain.ExpectedTimestamps(from, to) {
		if _, ok := have[ts]; !ok {
			cursor = ts
			break
		}
	}
	if cursor < 0 {
		return 0, 0, nil
	}

	for cursor <= to {
		callStart := time.Now()
		candles, err := p.exchange.Candles(ctx, symbol, domain.Interval5m, cursor, to, exchange.MaxCandlesPerRequest)
		observability.RecordExchangeLatency("candles", time.Since(callStart).Seconds())
		if err != nil {
			kind := "error"
			if errors.Is(err, exchange.ErrRateLimited) {
				kind = "rate_limited"
			}
			observability.RecordFetchError(phase, kind)
			return fetched, inserted, fmt.Errorf("fetch %s candles: %w", symbol, err)
		}
		if len(candles) == 0 {
			break
		}
		fetched += len(candles)
		observability.RecordCandlesFetched(phase, len(candles))

		batch := make([]*domain.PriceSample, 0, len(candles))
		for _, c := range candles {
			ts := c.OpenTimeMs
			if ts < from || ts > to || ts != domain.FloorToInterval(ts) {
				continue
			}
			if _, ok := have[ts]; ok {
				continue
			}
			have[ts] = struct{}{}
			batch = append(batch, c.ToSample(symbol))
		}
		n, err := p.insertSamples(ctx, phase, batch)
		if err != nil {
			return fetched, inserted, err
		}
		inserted += n
		if n > 0 {
			// readers must not keep serving a block loaded before this page
			p.invalidate(batch[0].TimestampMs, batch[len(batch)-1].TimestampMs)
		}

		last := candles[len(candles)-1].OpenTimeMs
		if last < cursor || len(candles) < exchange.MaxCandlesPerRequest {
			break
		}
		cursor = last + domain.IntervalMs
		if err := p.sleep(ctx, p.delay()); err != nil {
			return fetched, inserted, err
		}
	}
	return fetched, inserted, nil
}

// bootstrapBases records, for every active symbol without a base price, the
// earliest open stored in [from, to]. A relisted symbol only considers samples
// after its removal. Existing base prices are never overwritten.
func (p *Pipeline) bootstrapBases(ctx context.Context, symbols []string, from, to int64) (int, error) {
	firsts, err := p.prices.FirstSamples(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("load first samples: %w", err)
	}
	p.mu.Lock()
	delisted := make(map[string]int64, len(p.delistedAt))
	for sym, at := range p.delistedAt {
		delisted[sym] = at
	}
	p.mu.Unlock()

	var missing []*domain.PriceSample
	for _, sym := range symbols {
		if p.bases.Has(sym) {
			continue
		}
		s, ok := firsts[sym]
		if at, gone := delisted[sym]; gone && ok && s.TimestampMs < at {
			relisted, err := p.prices.FirstSamples(ctx, at, to)
			if err != nil {
				return 0, fmt.Errorf("load %s first sample: %w", sym, err)
			}
			s, ok = relisted[sym]
		}
		if ok {
			missing = append(missing, s)
		}
	}
	seeded, err := p.seedMissing(ctx, missing)
	if err != nil {
		return seeded, fmt.Errorf("bootstrap base prices: %w", err)
	}
	observability.UpdateTrackedSymbols(p.bases.Len())
	return seeded, nil
}

// indexMissing computes the index point of every stored timestamp in [from, to] lacking one.
func (p *Pipeline) indexMissing(ctx context.Context, phase string, from, to int64) (int, error) {
	stored, err := p.prices.DistinctTimestamps(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("load sample timestamps: %w", err)
	}
	indexed, err := p.index.Timestamps(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("load index timestamps: %w", err)
	}
	done := make(map[int64]struct{}, len(indexed))
	for _, ts := range indexed {
		done[ts] = struct{}{}
	}
	var missing []int64
	for _, ts := range stored {
		if _, ok := done[ts]; !ok {
			missing = append(missing, ts)
		}
	}

	written := 0
	for i := 0; i < len(missing); i += indexChunk {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		chunk := missing[i:min(i+indexChunk, len(missing))]
		samples, err := p.prices.GetByTimestamps(ctx, chunk)
		if err != nil {
			return written, fmt.Errorf("load samples: %w", err)
		}
		_, groups := index.GroupByTimestamp(samples)

		points := make([]*domain.IndexPoint, 0, len(chunk))
		for _, ts := range chunk {
			point, _, err := p.calc.Compute(ts, groups[ts])
			if errors.Is(err, index.ErrNoValidSymbols) {
				continue
			}
			if err != nil {
				return written, fmt.Errorf("compute index at %d: %w", ts, err)
			}
			points = append(points, point)
		}
		n, err := p.insertPoints(ctx, phase, points)
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}
