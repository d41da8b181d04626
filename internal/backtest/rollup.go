package backtest

import (
	"market-breadth-lab/internal/domain"
)

// MonthDays is the length of one rollup bucket in calendar days.
const MonthDays = 30

// Rollup aggregates simulated days into 30-day buckets and overall totals.
// Days must be in calendar order.
func Rollup(p Params, days []SimulatedDay, skipped []domain.SkippedDay) *domain.BacktestResult {
	res := &domain.BacktestResult{
		Days:    make([]domain.DailyResult, 0, len(days)),
		Skipped: skipped,
	}
	if res.Skipped == nil {
		res.Skipped = []domain.SkippedDay{}
	}

	profits := make([]float64, 0, len(days))
	for _, d := range days {
		day := d.Result
		res.Days = append(res.Days, day)
		profits = append(profits, day.Profit)

		res.TotalTrades += len(day.Trades)
		res.WinTrades += day.WinCount
		res.LossTrades += day.LossCount
		res.TotalProfit += day.Profit
		if day.Profit > 0 {
			res.WinDays++
		} else {
			res.LossDays++
		}
		if res.TradingDays == 0 || day.Profit > res.MaxDailyProfit {
			res.MaxDailyProfit = day.Profit
		}
		if res.TradingDays == 0 || day.Profit < res.MaxDailyLoss {
			res.MaxDailyLoss = day.Profit
		}
		res.TradingDays++
	}

	res.Months = buckets(days)
	for _, m := range res.Months {
		if m.Profit > 0 {
			res.WinMonths++
		} else {
			res.LossMonths++
		}
	}

	res.TradeWinRate = percent(res.WinTrades, res.TotalTrades)
	res.DayWinRate = percent(res.WinDays, res.TradingDays)
	if res.TradingDays > 0 {
		res.AvgDailyProfit = res.TotalProfit / float64(res.TradingDays)
	}
	if p.TotalStake > 0 {
		res.ReturnOnStake = res.TotalProfit / p.TotalStake * 100
	}
	res.MaxDrawdown = maxDrawdown(profits)
	return res
}

// buckets groups days by Ordinal / MonthDays. Empty buckets are omitted.
func buckets(days []SimulatedDay) []domain.MonthlyResult {
	var out []domain.MonthlyResult
	for _, d := range days {
		idx := d.Ordinal / MonthDays
		if len(out) == 0 || out[len(out)-1].Index != idx {
			out = append(out, domain.MonthlyResult{Index: idx, StartDate: d.Result.Date})
		}
		m := &out[len(out)-1]
		m.EndDate = d.Result.Date
		m.Days++
		m.Profit += d.Result.Profit
		if d.Result.Profit > 0 {
			m.WinDays++
		} else {
			m.LossDays++
		}
	}
	if out == nil {
		out = []domain.MonthlyResult{}
	}
	return out
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// maxDrawdown returns the worst peak-to-trough drop of the cumulative profit curve.
// Profits must be in chronological order.
func maxDrawdown(profits []float64) float64 {
	cumulative := 0.0
	peak := 0.0
	worst := 0.0
	for _, p := range profits {
		cumulative += p
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > worst {
			worst = dd
		}
	}
	return worst
}
