package reporting

import (
	"fmt"
	"strings"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/optimizer"
)

// RenderCSV renders optimizer results as CSV string.
func RenderCSV(results []optimizer.Result) string {
	var sb strings.Builder

	// Header
	sb.WriteString("key,ranking_window_hours,top_n,entry_hour,hold_hours,")
	sb.WriteString("total_profit,total_trades,trade_win_rate,trading_days,day_win_rate,")
	sb.WriteString("win_months,loss_months,max_drawdown,skipped_days\n")

	// Rows
	for _, r := range Rows(results) {
		sb.WriteString(fmt.Sprintf("%s,%d,%d,%d,%d,%.6f,%d,%.4f,%d,%.4f,%d,%d,%.6f,%d\n",
			r.Key,
			r.RankingWindowHours,
			r.TopN,
			r.EntryHour,
			r.HoldHours,
			r.TotalProfit,
			r.TotalTrades,
			r.TradeWinRate,
			r.TradingDays,
			r.DayWinRate,
			r.WinMonths,
			r.LossMonths,
			r.MaxDrawdown,
			r.SkippedDays,
		))
	}

	return sb.String()
}

// RenderTradesCSV renders every trade of a backtest result, day ascending.
func RenderTradesCSV(res *domain.BacktestResult) string {
	var sb strings.Builder
	sb.WriteString("date,rank,symbol,ranking_change,entry_time,exit_time,entry_price,exit_price,stake,profit\n")
	for _, day := range res.Days {
		for _, t := range day.Trades {
			sb.WriteString(fmt.Sprintf("%s,%d,%s,%.4f,%d,%d,%.8f,%.8f,%.4f,%.6f\n",
				t.Date, t.Rank, t.Symbol, t.RankingChange,
				t.EntryTime, t.ExitTime, t.EntryPrice, t.ExitPrice, t.Stake, t.Profit))
		}
	}
	return sb.String()
}
