// Package reporting renders backtest and optimizer results as CSV, Markdown and Parquet.
package reporting

import (
	"time"

	"market-breadth-lab/internal/backtest"
	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/optimizer"
)

// DefaultTopResults is the number of sweep rows listed in a Markdown report.
const DefaultTopResults = 20

// Report represents one run of the backtest CLI.
type Report struct {
	// Metadata
	GeneratedAt time.Time
	Params      backtest.Params

	// Single run, nil for sweeps
	Backtest *domain.BacktestResult

	// Sweep, nil for single runs
	Sweep      *optimizer.Report
	Space      optimizer.Space
	TopResults int
}

// NewBacktestReport wraps a single backtest result.
func NewBacktestReport(p backtest.Params, res *domain.BacktestResult, now time.Time) *Report {
	return &Report{GeneratedAt: now, Params: p, Backtest: res}
}

// NewSweepReport wraps an optimizer report.
func NewSweepReport(base backtest.Params, space optimizer.Space, sweep *optimizer.Report, now time.Time) *Report {
	return &Report{
		GeneratedAt: now,
		Params:      base,
		Sweep:       sweep,
		Space:       space,
		TopResults:  DefaultTopResults,
	}
}

// ResultRow is the flat export row of one optimizer combination.
type ResultRow struct {
	Key                string  `parquet:"key"`
	RankingWindowHours int32   `parquet:"ranking_window_hours"`
	TopN               int32   `parquet:"top_n"`
	EntryHour          int32   `parquet:"entry_hour"`
	HoldHours          int32   `parquet:"hold_hours"`
	TotalProfit        float64 `parquet:"total_profit"`
	TotalTrades        int64   `parquet:"total_trades"`
	TradeWinRate       float64 `parquet:"trade_win_rate"`
	TradingDays        int64   `parquet:"trading_days"`
	DayWinRate         float64 `parquet:"day_win_rate"`
	WinMonths          int64   `parquet:"win_months"`
	LossMonths         int64   `parquet:"loss_months"`
	MaxDrawdown        float64 `parquet:"max_drawdown"`
	SkippedDays        int64   `parquet:"skipped_days"`
}

// Rows flattens optimizer results in their given order.
func Rows(results []optimizer.Result) []ResultRow {
	rows := make([]ResultRow, len(results))
	for i, r := range results {
		rows[i] = ResultRow{
			Key:                r.Key,
			RankingWindowHours: int32(r.RankingWindowHours),
			TopN:               int32(r.TopN),
			EntryHour:          int32(r.EntryHour),
			HoldHours:          int32(r.HoldHours),
			TotalProfit:        r.TotalProfit,
			TotalTrades:        int64(r.TotalTrades),
			TradeWinRate:       r.TradeWinRate,
			TradingDays:        int64(r.TradingDays),
			DayWinRate:         r.DayWinRate,
			WinMonths:          int64(r.WinMonths),
			LossMonths:         int64(r.LossMonths),
			MaxDrawdown:        r.MaxDrawdown,
			SkippedDays:        int64(r.SkippedDays),
		}
	}
	return rows
}
