// Package index computes the equal-weighted breadth index and its summaries.
package index

import (
	"errors"
	"sort"

	"market-breadth-lab/internal/domain"
)

// ErrNoValidSymbols is returned when no sample at a timestamp has a base price.
var ErrNoValidSymbols = errors.New("no symbols with a base price")

// BaseLookup resolves a symbol's base price.
type BaseLookup interface {
	Get(symbol string) (float64, bool)
}

// BaseMap adapts a plain map to BaseLookup.
type BaseMap map[string]float64

// Get returns the base price of symbol.
func (m BaseMap) Get(symbol string) (float64, bool) {
	p, ok := m[symbol]
	return p, ok
}

// Calculator derives index points from one timestamp's samples.
type Calculator struct {
	bases BaseLookup
}

// NewCalculator creates a calculator reading base prices from bases.
func NewCalculator(bases BaseLookup) *Calculator {
	return &Calculator{bases: bases}
}

// PercentChange returns (price - base) / base * 100.
func PercentChange(price, base float64) float64 {
	return (price - base) / base * 100
}

// Compute builds the index point at ts. Samples of symbols without a base price
// are excluded and returned in missing so the caller can seed them.
func (c *Calculator) Compute(ts int64, samples []*domain.PriceSample) (*domain.IndexPoint, []*domain.PriceSample, error) {
	point := &domain.IndexPoint{TimestampMs: ts}
	var missing []*domain.PriceSample
	var sum float64

	seen := make(map[string]struct{}, len(samples))
	for _, s := range samples {
		if s.TimestampMs != ts {
			continue
		}
		if _, dup := seen[s.Symbol]; dup {
			continue
		}
		seen[s.Symbol] = struct{}{}

		base, ok := c.bases.Get(s.Symbol)
		if !ok || base <= 0 {
			missing = append(missing, s)
			continue
		}
		change := PercentChange(s.Close, base)
		sum += change
		point.TotalVolume += s.Volume
		point.CoinCount++
		switch {
		case change > 0:
			point.UpCount++
		case change < 0:
			point.DownCount++
		}
	}

	if point.CoinCount == 0 {
		return nil, missing, ErrNoValidSymbols
	}

	point.IndexValue = sum / float64(point.CoinCount)
	point.AdvanceDeclineRatio = AdvanceDeclineRatio(point.UpCount, point.DownCount)
	return point, missing, nil
}

// AdvanceDeclineRatio is up/down, or up when down is zero.
func AdvanceDeclineRatio(up, down int) float64 {
	if down == 0 {
		return float64(up)
	}
	return float64(up) / float64(down)
}

// Changes returns the percentage change of every sample with a base price, keyed by symbol.
func (c *Calculator) Changes(samples []*domain.PriceSample) map[string]float64 {
	out := make(map[string]float64, len(samples))
	for _, s := range samples {
		base, ok := c.bases.Get(s.Symbol)
		if !ok || base <= 0 {
			continue
		}
		out[s.Symbol] = PercentChange(s.Close, base)
	}
	return out
}

// GroupByTimestamp splits samples by timestamp and returns the timestamps ascending.
func GroupByTimestamp(samples []*domain.PriceSample) ([]int64, map[int64][]*domain.PriceSample) {
	groups := make(map[int64][]*domain.PriceSample)
	for _, s := range samples {
		groups[s.TimestampMs] = append(groups[s.TimestampMs], s)
	}
	ts := make([]int64, 0, len(groups))
	for k := range groups {
		ts = append(ts, k)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts, groups
}
