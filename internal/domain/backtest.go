package domain

// BacktestTrade is one simulated short position.
type BacktestTrade struct {
	Date          string  `json:"date"`          // entry day, YYYY-MM-DD in the entry location
	Symbol        string  `json:"symbol"`        // shorted symbol
	Rank          int     `json:"rank"`          // 1-based rank by trailing change
	RankingChange float64 `json:"rankingChange"` // trailing change in percent at entry
	EntryTime     int64   `json:"entryTime"`     // Unix ms
	ExitTime      int64   `json:"exitTime"`      // Unix ms
	EntryPrice    float64 `json:"entryPrice"`
	ExitPrice     float64 `json:"exitPrice"`
	Stake         float64 `json:"stake"`  // stake allocated to this coin
	Profit        float64 `json:"profit"` // stake * (entry - exit) / entry
}

// DailyResult aggregates the trades of one entry day.
type DailyResult struct {
	Date      string          `json:"date"`
	Trades    []BacktestTrade `json:"trades"`
	WinCount  int             `json:"winCount"`
	LossCount int             `json:"lossCount"`
	Profit    float64         `json:"profit"`
}

// MonthlyResult aggregates consecutive 30-day buckets.
type MonthlyResult struct {
	Index     int     `json:"index"`     // 0-based bucket index from the first simulated day
	StartDate string  `json:"startDate"` // first day of the bucket
	EndDate   string  `json:"endDate"`   // last day of the bucket
	Days      int     `json:"days"`      // simulated days in the bucket
	Profit    float64 `json:"profit"`
	WinDays   int     `json:"winDays"`
	LossDays  int     `json:"lossDays"`
}

// SkippedDay records a day without complete price snapshots.
type SkippedDay struct {
	Date   string `json:"date"`
	Reason string `json:"reason"`
}

// BacktestResult is the overall rollup of one simulator run.
type BacktestResult struct {
	Days    []DailyResult   `json:"days"`
	Months  []MonthlyResult `json:"months"`
	Skipped []SkippedDay    `json:"skipped"`

	TotalTrades  int     `json:"totalTrades"`
	WinTrades    int     `json:"winTrades"`
	LossTrades   int     `json:"lossTrades"`
	TradeWinRate float64 `json:"tradeWinRate"` // percent of profitable trades

	TradingDays int     `json:"tradingDays"`
	WinDays     int     `json:"winDays"`
	LossDays    int     `json:"lossDays"`
	DayWinRate  float64 `json:"dayWinRate"` // percent of days with positive summed profit

	WinMonths  int `json:"winMonths"`
	LossMonths int `json:"lossMonths"`

	TotalProfit    float64 `json:"totalProfit"`
	AvgDailyProfit float64 `json:"avgDailyProfit"`
	MaxDrawdown    float64 `json:"maxDrawdown"` // largest peak-to-trough drop of cumulative daily profit
	ReturnOnStake  float64 `json:"returnOnStake"`
	MaxDailyProfit float64 `json:"maxDailyProfit"`
	MaxDailyLoss   float64 `json:"maxDailyLoss"`
}
