package reporting

import (
	"fmt"
	"strings"
	"time"

	"market-breadth-lab/internal/domain"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	if r.Sweep != nil {
		sb.WriteString("# Optimizer Report\n\n")
	} else {
		sb.WriteString("# Backtest Report\n\n")
	}
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Period: %s .. %s | Stake: %.2f\n\n", r.Params.Start, r.Params.End, r.Params.TotalStake))

	if r.Backtest != nil {
		sb.WriteString(fmt.Sprintf("Entry %02d:00 | Ranking %dh | Hold %dh | Top %d\n\n",
			r.Params.EntryHour, r.Params.RankingWindowHours, r.Params.HoldHours, r.Params.TopN))
		renderBacktest(&sb, r.Backtest)
	}
	if r.Sweep != nil {
		renderSweep(&sb, r)
	}
	return sb.String()
}

func renderBacktest(sb *strings.Builder, res *domain.BacktestResult) {
	// Summary
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Total Profit | %.4f |\n", res.TotalProfit))
	sb.WriteString(fmt.Sprintf("| Return on Stake | %.2f%% |\n", res.ReturnOnStake))
	sb.WriteString(fmt.Sprintf("| Trades | %d (%d win / %d loss) |\n", res.TotalTrades, res.WinTrades, res.LossTrades))
	sb.WriteString(fmt.Sprintf("| Trade Win Rate | %.2f%% |\n", res.TradeWinRate))
	sb.WriteString(fmt.Sprintf("| Trading Days | %d (%d win / %d loss) |\n", res.TradingDays, res.WinDays, res.LossDays))
	sb.WriteString(fmt.Sprintf("| Day Win Rate | %.2f%% |\n", res.DayWinRate))
	sb.WriteString(fmt.Sprintf("| Avg Daily Profit | %.4f |\n", res.AvgDailyProfit))
	sb.WriteString(fmt.Sprintf("| Best Day | %.4f |\n", res.MaxDailyProfit))
	sb.WriteString(fmt.Sprintf("| Worst Day | %.4f |\n", res.MaxDailyLoss))
	sb.WriteString(fmt.Sprintf("| Max Drawdown | %.4f |\n", res.MaxDrawdown))
	sb.WriteString("\n")

	// Monthly buckets
	sb.WriteString("## 30-Day Buckets\n\n")
	if len(res.Months) > 0 {
		sb.WriteString("| # | From | To | Days | Profit | Win Days | Loss Days |\n")
		sb.WriteString("|---|------|----|------|--------|----------|-----------|\n")
		for _, m := range res.Months {
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | %d | %.4f | %d | %d |\n",
				m.Index+1, m.StartDate, m.EndDate, m.Days, m.Profit, m.WinDays, m.LossDays))
		}
		sb.WriteString(fmt.Sprintf("\nWinning buckets: %d | Losing buckets: %d\n", res.WinMonths, res.LossMonths))
	} else {
		sb.WriteString("No simulated days.\n")
	}
	sb.WriteString("\n")

	if len(res.Skipped) > 0 {
		sb.WriteString("## Skipped Days\n\n")
		for _, s := range res.Skipped {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", s.Date, s.Reason))
		}
		sb.WriteString("\n")
	}
}

func renderSweep(sb *strings.Builder, r *Report) {
	sw := r.Sweep
	sb.WriteString("## Sweep\n\n")
	sb.WriteString(fmt.Sprintf("Combinations: %d | Timestamps prefetched: %d (%d with data) | Elapsed: %s\n\n",
		sw.Combinations, sw.Prefetched, sw.Available, sw.Elapsed.Round(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("- Ranking windows: %v\n", r.Space.RankingWindows))
	sb.WriteString(fmt.Sprintf("- Top N: %v\n", r.Space.TopNs))
	sb.WriteString(fmt.Sprintf("- Entry hours: %v\n", r.Space.EntryHours))
	sb.WriteString(fmt.Sprintf("- Hold hours: %v\n\n", r.Space.HoldHours))

	top := r.TopResults
	if top <= 0 || top > len(sw.Results) {
		top = len(sw.Results)
	}
	sb.WriteString(fmt.Sprintf("## Top %d Combinations\n\n", top))
	if top == 0 {
		sb.WriteString("No results.\n")
		return
	}
	sb.WriteString("| # | Window | Top N | Entry | Hold | Profit | Trades | Trade Win% | Days | Day Win% | Max DD |\n")
	sb.WriteString("|---|--------|-------|-------|------|--------|--------|------------|------|----------|--------|\n")
	for i, res := range sw.Results[:top] {
		sb.WriteString(fmt.Sprintf("| %d | %dh | %d | %02d:00 | %dh | %.4f | %d | %.2f | %d | %.2f | %.4f |\n",
			i+1, res.RankingWindowHours, res.TopN, res.EntryHour, res.HoldHours,
			res.TotalProfit, res.TotalTrades, res.TradeWinRate, res.TradingDays, res.DayWinRate, res.MaxDrawdown))
	}
	sb.WriteString("\n")
}
