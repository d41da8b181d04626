package ingestion

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

// FindGaps lists the missing 5-minute timestamps of every tracked symbol within
// [start, end]. A symbol's expected grid begins at its first stored sample, so
// time before a listing is not reported.
func (p *Pipeline) FindGaps(ctx context.Context, start, end int64) ([]domain.SymbolGaps, error) {
	if start <= 0 || end < start {
		return nil, fmt.Errorf("%w: gap range [%d, %d]", storage.ErrInvalidInput, start, end)
	}
	// open candles are never gaps
	end = min(end, domain.LatestClosedBoundary(p.now()))

	firsts, err := p.prices.FirstSamples(ctx, 0, math.MaxInt64)
	if err != nil {
		return nil, fmt.Errorf("load first samples: %w", err)
	}

	var out []domain.SymbolGaps
	for _, sym := range p.bases.Symbols() {
		from := start
		if first, ok := firsts[sym]; ok && first.TimestampMs > from {
			from = first.TimestampMs
		}
		if from > end {
			continue
		}

		stored, err := p.prices.TimestampsBySymbol(ctx, sym, from, end)
		if err != nil {
			return nil, fmt.Errorf("load %s timestamps: %w", sym, err)
		}
		have := make(map[int64]struct{}, len(stored))
		for _, ts := range stored {
			have[ts] = struct{}{}
		}

		var missing []int64
		for _, ts := range domain.ExpectedTimestamps(from, end) {
			if _, ok := have[ts]; !ok {
				missing = append(missing, ts)
			}
		}
		if len(missing) == 0 {
			continue
		}
		out = append(out, domain.SymbolGaps{
			Symbol:  sym,
			Missing: len(missing),
			Ranges:  MergeRanges(missing),
		})
	}
	return out, nil
}

// MergeRanges collapses missing timestamps into inclusive ranges, joining
// neighbours no more than one interval apart.
func MergeRanges(missing []int64) []domain.MissingRange {
	if len(missing) == 0 {
		return nil
	}
	ts := append([]int64(nil), missing...)
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	ranges := []domain.MissingRange{{Start: ts[0], End: ts[0]}}
	for _, t := range ts[1:] {
		last := &ranges[len(ranges)-1]
		if t-last.End <= domain.IntervalMs {
			if t > last.End {
				last.End = t
			}
			continue
		}
		ranges = append(ranges, domain.MissingRange{Start: t, End: t})
	}
	return ranges
}

// RepairResult contains statistics from a gap repair.
type RepairResult struct {
	Symbols     int      `json:"symbols"`
	Ranges      int      `json:"ranges"`
	Missing     int      `json:"missing"`
	Fetched     int      `json:"fetched"`
	Inserted    int      `json:"inserted"`
	Failed      []string `json:"failed,omitempty"`
	IndexPoints int      `json:"index_points"`
}

// RepairGaps re-fetches every missing range found in [start, end] and computes
// the index points the new samples make possible.
func (p *Pipeline) RepairGaps(ctx context.Context, start, end int64) (*RepairResult, error) {
	gaps, err := p.FindGaps(ctx, start, end)
	if err != nil {
		return nil, err
	}
	res := &RepairResult{Symbols: len(gaps)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, sg := range gaps {
		res.Ranges += len(sg.Ranges)
		res.Missing += sg.Missing
		g.Go(func() error {
			fetched, inserted := 0, 0
			var failed bool
			for _, r := range sg.Ranges {
				f, n, err := p.fetchSymbol(gctx, PhaseRepair, sg.Symbol, r.Start, r.End)
				fetched += f
				inserted += n
				if err != nil {
					p.logger.Printf("WARN: repair %s [%d, %d]: %v", sg.Symbol, r.Start, r.End, err)
					failed = true
					break
				}
			}
			mu.Lock()
			defer mu.Unlock()
			res.Fetched += fetched
			res.Inserted += inserted
			if failed {
				res.Failed = append(res.Failed, sg.Symbol)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	sort.Strings(res.Failed)

	points, err := p.indexMissing(ctx, PhaseRepair, start, end)
	res.IndexPoints = points
	if res.Inserted > 0 || points > 0 {
		p.invalidate(start, end)
	}
	if err != nil {
		return res, err
	}

	p.logger.Printf("Repaired %d ranges across %d symbols: %d samples, %d index points",
		res.Ranges, res.Symbols, res.Inserted, res.IndexPoints)
	return res, nil
}
