package backtest

import (
	"context"
	"fmt"
	"log"
	"sort"

	"market-breadth-lab/internal/domain"
)

// Skip reasons recorded for days without a complete simulation.
const (
	SkipMissingRankBase = "missing ranking-base snapshot"
	SkipMissingEntry    = "missing entry snapshot"
	SkipMissingExit     = "missing exit snapshot"
	SkipNoCandidates    = "no symbol priced at all three snapshots"
)

// Engine runs the daily short-top-gainers strategy over snapshot prices.
type Engine struct {
	source SnapshotSource
	logger *log.Logger
}

// Options configures Engine.
type Options struct {
	Source SnapshotSource
	Logger *log.Logger
}

// NewEngine creates a backtest engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Engine{source: opts.Source, logger: opts.Logger}
}

// Run simulates every day of p and rolls up the results. Deterministic for a given input.
func (e *Engine) Run(ctx context.Context, p Params) (*domain.BacktestResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	snap, err := e.source.Snapshots(ctx, RequiredTimestamps(p))
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	days, skipped := Simulate(p, Plans(p), snap)
	return Rollup(p, days, skipped), nil
}

// SimulatedDay is one day's trades with its bucket ordinal.
type SimulatedDay struct {
	Ordinal int
	Result  domain.DailyResult
}

// Simulate runs the strategy for each plan against snap.
func Simulate(p Params, plans []DayPlan, snap Snapshots) ([]SimulatedDay, []domain.SkippedDay) {
	var days []SimulatedDay
	var skipped []domain.SkippedDay
	for _, plan := range plans {
		day, reason := simulateDay(p, plan, snap)
		if reason != "" {
			skipped = append(skipped, domain.SkippedDay{Date: plan.Date, Reason: reason})
			continue
		}
		days = append(days, SimulatedDay{Ordinal: plan.Ordinal, Result: day})
	}
	return days, skipped
}

type ranked struct {
	symbol string
	change float64
	entry  float64
	exit   float64
}

func simulateDay(p Params, plan DayPlan, snap Snapshots) (domain.DailyResult, string) {
	base, entry, exit := snap[plan.RankBase], snap[plan.Entry], snap[plan.Exit]
	switch {
	case len(base) == 0:
		return domain.DailyResult{}, SkipMissingRankBase
	case len(entry) == 0:
		return domain.DailyResult{}, SkipMissingEntry
	case len(exit) == 0:
		return domain.DailyResult{}, SkipMissingExit
	}

	candidates := make([]ranked, 0, len(entry))
	for sym, entryPrice := range entry {
		basePrice, exitPrice := base[sym], exit[sym]
		if basePrice <= 0 || entryPrice <= 0 || exitPrice <= 0 {
			continue
		}
		candidates = append(candidates, ranked{
			symbol: sym,
			change: (entryPrice - basePrice) / basePrice * 100,
			entry:  entryPrice,
			exit:   exitPrice,
		})
	}
	if len(candidates) == 0 {
		return domain.DailyResult{}, SkipNoCandidates
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].change != candidates[j].change {
			return candidates[i].change > candidates[j].change
		}
		return candidates[i].symbol < candidates[j].symbol
	})

	selected := candidates
	if len(selected) > p.TopN {
		selected = selected[:p.TopN]
	}
	stake := p.TotalStake / float64(len(selected))

	day := domain.DailyResult{Date: plan.Date, Trades: make([]domain.BacktestTrade, 0, len(selected))}
	for i, c := range selected {
		profit := stake * (c.entry - c.exit) / c.entry
		day.Trades = append(day.Trades, domain.BacktestTrade{
			Date:          plan.Date,
			Symbol:        c.symbol,
			Rank:          i + 1,
			RankingChange: c.change,
			EntryTime:     plan.Entry,
			ExitTime:      plan.Exit,
			EntryPrice:    c.entry,
			ExitPrice:     c.exit,
			Stake:         stake,
			Profit:        profit,
		})
		day.Profit += profit
		if profit > 0 {
			day.WinCount++
		} else {
			day.LossCount++
		}
	}
	return day, ""
}
