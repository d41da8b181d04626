// Package optimizer sweeps backtest parameters over one shared snapshot prefetch.
// Flow: prefetch -> parallel simulation -> ranking
package optimizer

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"market-breadth-lab/internal/backtest"
	"market-breadth-lab/internal/domain"
)

// Optimizer coordinates a full parameter sweep.
type Optimizer struct {
	source  backtest.SnapshotSource
	workers int
	logger  *log.Logger
	verbose bool
}

// Options for creating Optimizer.
type Options struct {
	// Source serves the single bulk prefetch.
	Source backtest.SnapshotSource

	Workers int // parallel simulations, GOMAXPROCS when zero
	Logger  *log.Logger
	Verbose bool
}

// New creates a new Optimizer.
func New(opts Options) *Optimizer {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Optimizer{
		source:  opts.Source,
		workers: opts.Workers,
		logger:  opts.Logger,
		verbose: opts.Verbose,
	}
}

// Result summarizes one combination's backtest.
type Result struct {
	Combination
	Key          string  `json:"key"`
	TotalProfit  float64 `json:"totalProfit"`
	TotalTrades  int     `json:"totalTrades"`
	TradeWinRate float64 `json:"tradeWinRate"`
	TradingDays  int     `json:"tradingDays"`
	DayWinRate   float64 `json:"dayWinRate"`
	WinMonths    int     `json:"winMonths"`
	LossMonths   int     `json:"lossMonths"`
	MaxDrawdown  float64 `json:"maxDrawdown"`
	SkippedDays  int     `json:"skippedDays"`
}

// Report is the output of a sweep.
type Report struct {
	Combinations int           `json:"combinations"`
	Prefetched   int           `json:"prefetched"` // unique timestamps fetched once
	Available    int           `json:"available"`  // prefetched timestamps with data
	Elapsed      time.Duration `json:"elapsed"`
	Results      []Result      `json:"results"` // total profit descending
}

type run struct {
	combo Combination
	res   *domain.BacktestResult
}

// Run executes every combination of space against base and ranks them by total profit.
// Phases:
//  1. Validate the space against base
//  2. Prefetch the union of required snapshots in one call
//  3. Simulate each combination in parallel over the shared map
//  4. Rank results
func (o *Optimizer) Run(ctx context.Context, space Space, base backtest.Params) (*Report, error) {
	runs, rep, err := o.sweep(ctx, space, base)
	if err != nil {
		return nil, err
	}

	rep.Results = make([]Result, len(runs))
	for i, r := range runs {
		rep.Results[i] = summarize(r)
	}
	sort.SliceStable(rep.Results, func(i, j int) bool {
		if rep.Results[i].TotalProfit != rep.Results[j].TotalProfit {
			return rep.Results[i].TotalProfit > rep.Results[j].TotalProfit
		}
		return rep.Results[i].Key < rep.Results[j].Key
	})

	o.log("Sweep completed: %d combinations in %s", rep.Combinations, rep.Elapsed)
	return rep, nil
}

func (o *Optimizer) sweep(ctx context.Context, space Space, base backtest.Params) ([]run, *Report, error) {
	started := time.Now()

	// Phase 1: validate
	if err := space.Validate(base); err != nil {
		return nil, nil, fmt.Errorf("phase 1 (validate) failed: %w", err)
	}
	combos := space.Combinations()

	// Phase 2: prefetch
	timestamps := PrefetchTimestamps(space, base)
	o.log("Phase 2: Prefetching %d timestamps for %d combinations...", len(timestamps), len(combos))
	snap, err := o.source.Snapshots(ctx, timestamps)
	if err != nil {
		return nil, nil, fmt.Errorf("phase 2 (prefetch) failed: %w", err)
	}
	shared := backtest.NewStaticSource(snap)

	// Phase 3: simulate
	o.log("Phase 3: Simulating on %d workers...", o.workers)
	runs := make([]run, len(combos))
	engine := backtest.NewEngine(backtest.Options{Source: shared, Logger: o.logger})
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, c := range combos {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := engine.Run(gctx, c.Apply(base))
			if err != nil {
				return fmt.Errorf("simulate %s: %w", c.Key(), err)
			}
			runs[i] = run{combo: c, res: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("phase 3 (simulate) failed: %w", err)
	}

	return runs, &Report{
		Combinations: len(combos),
		Prefetched:   len(timestamps),
		Available:    shared.Len(),
		Elapsed:      time.Since(started),
	}, nil
}

func summarize(r run) Result {
	return Result{
		Combination:  r.combo,
		Key:          r.combo.Key(),
		TotalProfit:  r.res.TotalProfit,
		TotalTrades:  r.res.TotalTrades,
		TradeWinRate: r.res.TradeWinRate,
		TradingDays:  r.res.TradingDays,
		DayWinRate:   r.res.DayWinRate,
		WinMonths:    r.res.WinMonths,
		LossMonths:   r.res.LossMonths,
		MaxDrawdown:  r.res.MaxDrawdown,
		SkippedDays:  len(r.res.Skipped),
	}
}

func (o *Optimizer) log(format string, args ...interface{}) {
	if o.verbose {
		o.logger.Printf("[optimizer] "+format, args...)
	}
}
