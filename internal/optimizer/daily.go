package optimizer

import (
	"context"
	"sort"

	"market-breadth-lab/internal/backtest"
)

// Daily ranking page defaults.
const (
	DefaultPageSize = 7
	DefaultTopK     = 10
)

// PageRequest selects a window of the date axis.
type PageRequest struct {
	Page     int `json:"page"` // 1-based
	PageSize int `json:"pageSize"`
	TopK     int `json:"topK"` // combinations listed per day
}

// DailyEntry is one combination's result on one day.
type DailyEntry struct {
	Rank int `json:"rank"`
	Combination
	Key    string  `json:"key"`
	Profit float64 `json:"profit"`
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
}

// DailyRanking lists the best combinations of one day.
type DailyRanking struct {
	Date         string       `json:"date"`
	Combinations int          `json:"combinations"` // combinations that traded on this day
	Entries      []DailyEntry `json:"entries"`
}

// DailyPage is one page of the day -> ranked combinations view.
type DailyPage struct {
	Page       int            `json:"page"`
	PageSize   int            `json:"pageSize"`
	TotalDays  int            `json:"totalDays"`
	TotalPages int            `json:"totalPages"`
	Days       []DailyRanking `json:"days"` // date ascending
}

// RunDaily sweeps space and regroups per-day results into day -> ranked combinations.
func (o *Optimizer) RunDaily(ctx context.Context, space Space, base backtest.Params, req PageRequest) (*DailyPage, error) {
	if req.PageSize <= 0 {
		req.PageSize = DefaultPageSize
	}
	if req.TopK <= 0 {
		req.TopK = DefaultTopK
	}
	if req.Page <= 0 {
		req.Page = 1
	}

	runs, _, err := o.sweep(ctx, space, base)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string][]DailyEntry)
	for _, r := range runs {
		for _, d := range r.res.Days {
			byDay[d.Date] = append(byDay[d.Date], DailyEntry{
				Combination: r.combo,
				Key:         r.combo.Key(),
				Profit:      d.Profit,
				Trades:      len(d.Trades),
				Wins:        d.WinCount,
			})
		}
	}
	dates := make([]string, 0, len(byDay))
	for date := range byDay {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	page := &DailyPage{
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalDays:  len(dates),
		TotalPages: (len(dates) + req.PageSize - 1) / req.PageSize,
		Days:       []DailyRanking{},
	}
	from := (req.Page - 1) * req.PageSize
	if from >= len(dates) {
		return page, nil
	}
	to := from + req.PageSize
	if to > len(dates) {
		to = len(dates)
	}

	for _, date := range dates[from:to] {
		entries := byDay[date]
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].Profit != entries[j].Profit {
				return entries[i].Profit > entries[j].Profit
			}
			return entries[i].Key < entries[j].Key
		})
		top := entries
		if len(top) > req.TopK {
			top = top[:req.TopK]
		}
		ranking := DailyRanking{Date: date, Combinations: len(entries), Entries: make([]DailyEntry, len(top))}
		for i, e := range top {
			e.Rank = i + 1
			ranking.Entries[i] = e
		}
		page.Days = append(page.Days, ranking)
	}
	return page, nil
}
