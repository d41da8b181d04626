package backtest

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

func at(y int, m time.Month, d, h int) int64 {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC).UnixMilli()
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func baseParams() Params {
	return Params{
		Start:              "2024-01-01",
		End:                "2024-01-03",
		EntryHour:          12,
		RankingWindowHours: 24,
		HoldHours:          4,
		TopN:               2,
		TotalStake:         1000,
	}
}

// fixture covers a mixed-sign loss day, a winning day, and a day without an exit snapshot.
func fixture() Snapshots {
	return Snapshots{
		at(2023, 12, 31, 12): {"A": 100, "B": 100, "C": 100},
		at(2024, 1, 1, 12):   {"A": 120, "B": 110, "C": 90},
		at(2024, 1, 1, 16):   {"A": 108, "B": 132, "C": 80},
		at(2024, 1, 2, 12):   {"A": 120, "B": 132, "C": 99},
		at(2024, 1, 2, 16):   {"B": 99, "C": 99},
		at(2024, 1, 3, 12):   {"A": 1},
	}
}

func TestEngine_Run(t *testing.T) {
	engine := NewEngine(Options{Source: NewStaticSource(fixture())})
	res, err := engine.Run(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Days) != 2 {
		t.Fatalf("expected 2 simulated days, got %d", len(res.Days))
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Date != "2024-01-03" || res.Skipped[0].Reason != SkipMissingExit {
		t.Errorf("unexpected skipped days %+v", res.Skipped)
	}

	d1 := res.Days[0]
	if d1.Trades[0].Symbol != "A" || d1.Trades[1].Symbol != "B" {
		t.Errorf("day 1: expected A, B shorted, got %+v", d1.Trades)
	}
	if !near(d1.Trades[0].Profit, 50) || !near(d1.Trades[1].Profit, -100) {
		t.Errorf("day 1: unexpected profits %v, %v", d1.Trades[0].Profit, d1.Trades[1].Profit)
	}
	if d1.WinCount != 1 || d1.LossCount != 1 || !near(d1.Profit, -50) {
		t.Errorf("day 1: unexpected rollup %+v", d1)
	}

	d2 := res.Days[1]
	// A has no exit price and is not ranked.
	if len(d2.Trades) != 2 || d2.Trades[0].Symbol != "B" || d2.Trades[1].Symbol != "C" {
		t.Fatalf("day 2: expected B, C shorted, got %+v", d2.Trades)
	}
	if !near(d2.Trades[0].RankingChange, 20) || d2.Trades[0].Rank != 1 {
		t.Errorf("day 2: unexpected rank data %+v", d2.Trades[0])
	}
	if !near(d2.Profit, 125) {
		t.Errorf("day 2: expected profit 125, got %v", d2.Profit)
	}

	if res.TotalTrades != 4 || res.WinTrades != 2 || res.LossTrades != 2 || !near(res.TradeWinRate, 50) {
		t.Errorf("unexpected trade totals %+v", res)
	}
	if res.TradingDays != 2 || res.WinDays != 1 || res.LossDays != 1 || !near(res.DayWinRate, 50) {
		t.Errorf("unexpected day totals %+v", res)
	}
	if !near(res.TotalProfit, 75) || !near(res.AvgDailyProfit, 37.5) || !near(res.ReturnOnStake, 7.5) {
		t.Errorf("unexpected profit totals %+v", res)
	}
	if !near(res.MaxDrawdown, 50) || !near(res.MaxDailyProfit, 125) || !near(res.MaxDailyLoss, -50) {
		t.Errorf("unexpected extremes %+v", res)
	}
	if len(res.Months) != 1 || res.Months[0].Days != 2 || res.WinMonths != 1 || res.LossMonths != 0 {
		t.Errorf("unexpected months %+v", res.Months)
	}
}

func TestEngine_Deterministic(t *testing.T) {
	engine := NewEngine(Options{Source: NewStaticSource(fixture())})
	first, err := engine.Run(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := engine.Run(context.Background(), baseParams())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatal("repeated runs produced different results")
		}
	}
}

func TestEngine_TieBreakBySymbol(t *testing.T) {
	snap := Snapshots{
		at(2023, 12, 31, 12): {"Z": 100, "Y": 100, "X": 100},
		at(2024, 1, 1, 12):   {"Z": 110, "Y": 110, "X": 110},
		at(2024, 1, 1, 16):   {"Z": 100, "Y": 100, "X": 100},
	}
	p := baseParams()
	p.End = p.Start
	res, err := NewEngine(Options{Source: NewStaticSource(snap)}).Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	trades := res.Days[0].Trades
	if trades[0].Symbol != "X" || trades[1].Symbol != "Y" {
		t.Errorf("expected X, Y on equal change, got %s, %s", trades[0].Symbol, trades[1].Symbol)
	}
	if !near(trades[0].Stake, 500) {
		t.Errorf("expected stake 500 per coin, got %v", trades[0].Stake)
	}
}

func TestEngine_MonthlyBuckets(t *testing.T) {
	p := baseParams()
	p.End = "2024-02-05"
	p.RankingWindowHours = 6
	snap := Snapshots{}
	for _, plan := range Plans(p) {
		snap[plan.RankBase] = map[string]float64{"A": 100}
		snap[plan.Entry] = map[string]float64{"A": 110}
		snap[plan.Exit] = map[string]float64{"A": 99}
	}
	res, err := NewEngine(Options{Source: NewStaticSource(snap)}).Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Months) != 2 {
		t.Fatalf("expected 2 buckets, got %+v", res.Months)
	}
	if res.Months[0].Days != 30 || res.Months[1].Days != 6 {
		t.Errorf("unexpected bucket sizes %d, %d", res.Months[0].Days, res.Months[1].Days)
	}
	if res.Months[1].StartDate != "2024-01-31" || res.Months[1].EndDate != "2024-02-05" {
		t.Errorf("unexpected bucket bounds %+v", res.Months[1])
	}
	if res.WinMonths != 2 || res.MaxDrawdown != 0 {
		t.Errorf("expected all-winning months, got %+v", res)
	}
}

func TestEngine_AllDaysSkipped(t *testing.T) {
	res, err := NewEngine(Options{Source: NewStaticSource(Snapshots{})}).Run(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TradingDays != 0 || len(res.Skipped) != 3 || res.Skipped[0].Reason != SkipMissingRankBase {
		t.Errorf("unexpected result %+v", res)
	}
	if res.DayWinRate != 0 || res.TradeWinRate != 0 {
		t.Error("expected zero rates without trades")
	}
}

func TestParams_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
		want   error
	}{
		{"bad start", func(p *Params) { p.Start = "2024-13-01" }, ErrInvalidDates},
		{"end before start", func(p *Params) { p.End = "2023-12-31" }, ErrInvalidDates},
		{"entry hour", func(p *Params) { p.EntryHour = 24 }, ErrInvalidParams},
		{"window", func(p *Params) { p.RankingWindowHours = 0 }, ErrInvalidParams},
		{"hold", func(p *Params) { p.HoldHours = -1 }, ErrInvalidParams},
		{"top n", func(p *Params) { p.TopN = 0 }, ErrInvalidParams},
		{"stake", func(p *Params) { p.TotalStake = 0 }, ErrInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := baseParams()
			tc.mutate(&p)
			if err := p.Validate(); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if err := baseParams().Validate(); err != nil {
		t.Errorf("base params should be valid: %v", err)
	}
}

func TestRequiredTimestamps(t *testing.T) {
	got := RequiredTimestamps(baseParams())
	// Each day's ranking base is the previous day's entry with a 24h window.
	if len(got) != 7 {
		t.Fatalf("expected 7 unique timestamps, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatal("timestamps not strictly ascending")
		}
	}
	if got[0] != at(2023, 12, 31, 12) || got[len(got)-1] != at(2024, 1, 3, 16) {
		t.Errorf("unexpected bounds %d..%d", got[0], got[len(got)-1])
	}
}

func TestPlans_Location(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	p := baseParams()
	p.End = p.Start
	p.EntryHour = 9
	p.Location = loc
	plans := Plans(p)
	if len(plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(plans))
	}
	if plans[0].Entry != at(2024, 1, 1, 0) {
		t.Errorf("expected 09:00 UTC+9 to be midnight UTC, got %d", plans[0].Entry)
	}
}
