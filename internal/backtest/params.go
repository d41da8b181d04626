// Package backtest simulates shorting the top trailing gainers once per calendar day.
package backtest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"market-breadth-lab/internal/domain"
)

// DateLayout is the calendar day format used by Params and results.
const DateLayout = "2006-01-02"

// Params validation errors.
var (
	ErrInvalidDates  = errors.New("invalid backtest date range")
	ErrInvalidParams = errors.New("invalid backtest parameters")
)

// Params configures one simulator run.
type Params struct {
	Start              string         `json:"start"` // first calendar day, YYYY-MM-DD
	End                string         `json:"end"`   // last calendar day, inclusive
	EntryHour          int            `json:"entryHour"`
	RankingWindowHours int            `json:"rankingWindowHours"`
	HoldHours          int            `json:"holdHours"`
	TopN               int            `json:"topN"`
	TotalStake         float64        `json:"totalStake"`
	Location           *time.Location `json:"-"` // entry-time location, UTC when nil
}

// Validate checks parameter ranges and the date span.
func (p Params) Validate() error {
	first, last, err := p.dateRange()
	if err != nil {
		return err
	}
	if last.Before(first) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidDates, p.End, p.Start)
	}
	switch {
	case p.EntryHour < 0 || p.EntryHour > 23:
		return fmt.Errorf("%w: entryHour %d outside [0, 23]", ErrInvalidParams, p.EntryHour)
	case p.RankingWindowHours <= 0:
		return fmt.Errorf("%w: rankingWindowHours must be positive", ErrInvalidParams)
	case p.HoldHours <= 0:
		return fmt.Errorf("%w: holdHours must be positive", ErrInvalidParams)
	case p.TopN <= 0:
		return fmt.Errorf("%w: topN must be positive", ErrInvalidParams)
	case p.TotalStake <= 0:
		return fmt.Errorf("%w: totalStake must be positive", ErrInvalidParams)
	}
	return nil
}

func (p Params) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

func (p Params) dateRange() (time.Time, time.Time, error) {
	loc := p.location()
	first, err := time.ParseInLocation(DateLayout, p.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start: %v", ErrInvalidDates, err)
	}
	last, err := time.ParseInLocation(DateLayout, p.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end: %v", ErrInvalidDates, err)
	}
	return first, last, nil
}

// DayPlan holds the three snapshot timestamps one trading day needs.
type DayPlan struct {
	Date     string
	Ordinal  int   // days since Params.Start
	RankBase int64 // entry - ranking window
	Entry    int64
	Exit     int64 // entry + hold
}

// Plans lists the trading days of p in calendar order. p must be valid.
func Plans(p Params) []DayPlan {
	first, last, err := p.dateRange()
	if err != nil {
		return nil
	}
	loc := p.location()
	var plans []DayPlan
	for d, i := first, 0; !d.After(last); d, i = d.AddDate(0, 0, 1), i+1 {
		entry := time.Date(d.Year(), d.Month(), d.Day(), p.EntryHour, 0, 0, 0, loc).UnixMilli()
		entry = domain.FloorToInterval(entry)
		plans = append(plans, DayPlan{
			Date:     d.Format(DateLayout),
			Ordinal:  i,
			RankBase: entry - int64(p.RankingWindowHours)*domain.HourMs,
			Entry:    entry,
			Exit:     entry + int64(p.HoldHours)*domain.HourMs,
		})
	}
	return plans
}

// RequiredTimestamps returns every snapshot timestamp a run of p reads, ascending and unique.
func RequiredTimestamps(p Params) []int64 {
	seen := make(map[int64]struct{})
	for _, plan := range Plans(p) {
		seen[plan.RankBase] = struct{}{}
		seen[plan.Entry] = struct{}{}
		seen[plan.Exit] = struct{}{}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(m))
	for ts := range m {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
