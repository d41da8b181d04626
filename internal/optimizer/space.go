package optimizer

import (
	"errors"
	"fmt"
	"sort"

	"market-breadth-lab/internal/backtest"
)

// ErrEmptySpace is returned when a parameter axis has no values.
var ErrEmptySpace = errors.New("parameter space has an empty axis")

// Space lists the discrete option sets swept by the optimizer.
type Space struct {
	RankingWindows []int `json:"rankingWindows" yaml:"ranking_windows"` // hours
	TopNs          []int `json:"topNs" yaml:"top_ns"`
	EntryHours     []int `json:"entryHours" yaml:"entry_hours"`
	HoldHours      []int `json:"holdHours" yaml:"hold_hours"`
}

// DefaultSpace returns the standard sweep: 4 windows x 5 sizes x 24 hours x 3 holds.
func DefaultSpace() Space {
	hours := make([]int, 24)
	for i := range hours {
		hours[i] = i
	}
	return Space{
		RankingWindows: []int{6, 12, 24, 48},
		TopNs:          []int{1, 3, 5, 10, 20},
		EntryHours:     hours,
		HoldHours:      []int{4, 8, 24},
	}
}

// Size returns the number of combinations.
func (s Space) Size() int {
	return len(s.RankingWindows) * len(s.TopNs) * len(s.EntryHours) * len(s.HoldHours)
}

// Validate checks that no axis is empty and every combination is valid against base.
func (s Space) Validate(base backtest.Params) error {
	if s.Size() == 0 {
		return ErrEmptySpace
	}
	for _, c := range s.Combinations() {
		if err := c.Apply(base).Validate(); err != nil {
			return fmt.Errorf("combination %s: %w", c.Key(), err)
		}
	}
	return nil
}

// Combination is one point of the parameter space.
type Combination struct {
	RankingWindowHours int `json:"rankingWindowHours"`
	TopN               int `json:"topN"`
	EntryHour          int `json:"entryHour"`
	HoldHours          int `json:"holdHours"`
}

// Key identifies the combination. Keys sort in axis order.
func (c Combination) Key() string {
	return fmt.Sprintf("w%03d-n%03d-e%02d-h%03d", c.RankingWindowHours, c.TopN, c.EntryHour, c.HoldHours)
}

// Apply returns base with the combination's parameters substituted.
func (c Combination) Apply(base backtest.Params) backtest.Params {
	p := base
	p.RankingWindowHours = c.RankingWindowHours
	p.TopN = c.TopN
	p.EntryHour = c.EntryHour
	p.HoldHours = c.HoldHours
	return p
}

// Combinations enumerates the Cartesian product of s in key order.
func (s Space) Combinations() []Combination {
	out := make([]Combination, 0, s.Size())
	for _, w := range sortedInts(s.RankingWindows) {
		for _, n := range sortedInts(s.TopNs) {
			for _, e := range sortedInts(s.EntryHours) {
				for _, h := range sortedInts(s.HoldHours) {
					out = append(out, Combination{RankingWindowHours: w, TopN: n, EntryHour: e, HoldHours: h})
				}
			}
		}
	}
	return out
}

// PrefetchTimestamps returns the union of every combination's required snapshots.
// TopN does not affect timestamps, so only window, entry hour and hold are expanded.
func PrefetchTimestamps(s Space, base backtest.Params) []int64 {
	seen := make(map[int64]struct{})
	for _, e := range s.EntryHours {
		for _, w := range s.RankingWindows {
			for _, h := range s.HoldHours {
				p := base
				p.EntryHour, p.RankingWindowHours, p.HoldHours = e, w, h
				for _, plan := range backtest.Plans(p) {
					seen[plan.RankBase] = struct{}{}
					seen[plan.Entry] = struct{}{}
					seen[plan.Exit] = struct{}{}
				}
			}
		}
	}
	out := make([]int64, 0, len(seen))
	for ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedInts(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
