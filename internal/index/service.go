package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"market-breadth-lab/internal/cache"
	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
	"market-breadth-lab/internal/wave"
)

// ErrNoData is returned when the queried window holds nothing to summarize.
var ErrNoData = errors.New("no data yet")

// DefaultTopWaves is the number of strongest waves kept in an uptrend summary.
const DefaultTopWaves = 20

// Cache key prefixes.
const (
	distributionPrefix = "distribution"
	uptrendPrefix      = "uptrend"
)

// Options configures Service.
type Options struct {
	Index   storage.IndexStore
	Prices  storage.PriceStore
	Bases   BaseLookup
	Waves   *wave.Service
	Results cache.ResultCache // optional; nil disables summary caching
	TopN    int               // waves listed in an uptrend summary
	Logger  *log.Logger
}

// Service answers read queries over the stored index and price history.
type Service struct {
	index   storage.IndexStore
	prices  storage.PriceStore
	calc    *Calculator
	waves   *wave.Service
	results cache.ResultCache
	topN    int
	logger  *log.Logger
}

// NewService creates an index query service.
func NewService(opts Options) *Service {
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopWaves
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Service{
		index:   opts.Index,
		prices:  opts.Prices,
		calc:    NewCalculator(opts.Bases),
		waves:   opts.Waves,
		results: opts.Results,
		topN:    opts.TopN,
		logger:  opts.Logger,
	}
}

// Stats summarizes index points over a window.
type Stats struct {
	Start       int64   `json:"start"`
	End         int64   `json:"end"`
	Count       int     `json:"count"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Avg         float64 `json:"avg"`
	First       float64 `json:"first"`
	Last        float64 `json:"last"`
	Change      float64 `json:"change"` // last - first, in index points
	AvgADR      float64 `json:"avgAdr"`
	LatestTime  int64   `json:"latestTime"`
	LatestUp    int     `json:"latestUp"`
	LatestDown  int     `json:"latestDown"`
	LatestCoins int     `json:"latestCoins"`
}

// SymbolChange is one symbol's move over a distribution window.
type SymbolChange struct {
	Symbol    string  `json:"symbol"`
	Reference float64 `json:"reference"`
	Price     float64 `json:"price"`
	Change    float64 `json:"change"`
}

// Distribution buckets per-symbol changes over a window.
type Distribution struct {
	Start    int64          `json:"start"`
	End      int64          `json:"end"`
	Width    float64        `json:"width"`
	Bins     []Bin          `json:"bins"`
	Changes  []SymbolChange `json:"changes"` // change descending
	Skipped  []string       `json:"skipped"` // symbols without a base price
	Up       int            `json:"up"`
	Down     int            `json:"down"`
	AvgMove  float64        `json:"avgMove"`
	Median   float64        `json:"median"`
	Coverage int            `json:"coverage"` // symbols counted
}

// UptrendSummary buckets detected waves by their uptrend percent.
type UptrendSummary struct {
	Start      int64                `json:"start"`
	End        int64                `json:"end"`
	Params     domain.WaveParams    `json:"params"`
	Width      float64              `json:"width"`
	Bins       []Bin                `json:"bins"`
	WaveCount  int                  `json:"waveCount"`
	Ongoing    int                  `json:"ongoing"`
	Symbols    int                  `json:"symbols"` // symbols with at least one wave
	AvgUptrend float64              `json:"avgUptrend"`
	Top        []domain.UptrendWave `json:"top"`
}

// Current returns the newest index point.
func (s *Service) Current(ctx context.Context) (*domain.IndexPoint, error) {
	p, err := s.index.Latest(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, fmt.Errorf("latest index point: %w", err)
	}
	return p, nil
}

// History returns the index points within [start, end].
func (s *Service) History(ctx context.Context, start, end int64) ([]*domain.IndexPoint, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	points, err := s.index.GetRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("index history: %w", err)
	}
	return points, nil
}

// Stats summarizes the index points within [start, end].
func (s *Service) Stats(ctx context.Context, start, end int64) (*Stats, error) {
	points, err := s.History(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, ErrNoData
	}

	st := &Stats{Start: start, End: end, Count: len(points)}
	st.Min, st.Max = points[0].IndexValue, points[0].IndexValue
	var sum, adr float64
	for _, p := range points {
		if p.IndexValue < st.Min {
			st.Min = p.IndexValue
		}
		if p.IndexValue > st.Max {
			st.Max = p.IndexValue
		}
		sum += p.IndexValue
		adr += p.AdvanceDeclineRatio
	}
	first, last := points[0], points[len(points)-1]
	st.Avg = sum / float64(len(points))
	st.AvgADR = adr / float64(len(points))
	st.First = first.IndexValue
	st.Last = last.IndexValue
	st.Change = last.IndexValue - first.IndexValue
	st.LatestTime = last.TimestampMs
	st.LatestUp = last.UpCount
	st.LatestDown = last.DownCount
	st.LatestCoins = last.CoinCount
	return st, nil
}

// Distribution buckets each symbol's change against its base price, taken at
// its latest close within [start, end]. Symbols without a base price are skipped.
// The reference is the symbol's open at the window's first timestamp, falling back to
// its base price when the symbol has no candle there.
func (s *Service) Distribution(ctx context.Context, start, end int64) (*Distribution, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	key := cache.Key(distributionPrefix, map[string]interface{}{"start": start, "end": end})
	if d, ok := lookup[Distribution](ctx, s, key); ok {
		return d, nil
	}

	samples, err := s.prices.GetByTimeRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}
	if len(samples) == 0 {
		return nil, ErrNoData
	}

	// samples are time ascending, so the last one per symbol is its latest close
	latest := make(map[string]*domain.PriceSample)
	for _, smp := range samples {
		latest[smp.Symbol] = smp
	}
	last := make([]*domain.PriceSample, 0, len(latest))
	for _, smp := range latest {
		last = append(last, smp)
	}
	sort.Slice(last, func(i, j int) bool { return last[i].Symbol < last[j].Symbol })
	changes := s.calc.Changes(last)

	d := &Distribution{Start: start, End: end}
	values := make([]float64, 0, len(changes))
	for _, smp := range last {
		change, ok := changes[smp.Symbol]
		if !ok {
			d.Skipped = append(d.Skipped, smp.Symbol)
			continue
		}
		base, _ := s.calc.bases.Get(smp.Symbol)
		d.Changes = append(d.Changes, SymbolChange{
			Symbol:    smp.Symbol,
			Reference: base,
			Price:     smp.Close,
			Change:    change,
		})
		values = append(values, change)
		switch {
		case change > 0:
			d.Up++
		case change < 0:
			d.Down++
		}
	}
	if len(values) == 0 {
		return nil, ErrNoData
	}

	sort.SliceStable(d.Changes, func(i, j int) bool { return d.Changes[i].Change > d.Changes[j].Change })
	d.Bins, d.Width = Bucket(values)
	d.Coverage = len(values)
	d.AvgMove = mean(values)
	d.Median = median(values)

	s.store(ctx, key, d)
	return d, nil
}

// Uptrend runs wave detection over [start, end] and buckets waves by uptrend percent.
func (s *Service) Uptrend(ctx context.Context, start, end int64, params domain.WaveParams) (*UptrendSummary, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	if params.Mode == "" {
		params.Mode = domain.PriceModeLowHigh
	}
	key := cache.Key(uptrendPrefix, map[string]interface{}{
		"start":     start,
		"end":       end,
		"keepRatio": params.KeepRatio,
		"noNewHigh": params.NoNewHighCandles,
		"minUp":     params.MinUptrend,
		"mode":      string(params.Mode),
	})
	if u, ok := lookup[UptrendSummary](ctx, s, key); ok {
		return u, nil
	}

	waves, err := s.waves.Compute(ctx, start, end, params)
	if err != nil {
		return nil, err
	}

	u := &UptrendSummary{Start: start, End: end, Params: params, WaveCount: len(waves)}
	if len(waves) > 0 {
		values := make([]float64, len(waves))
		symbols := make(map[string]struct{})
		for i, w := range waves {
			values[i] = w.UptrendPercent
			symbols[w.Symbol] = struct{}{}
			if w.IsOngoing {
				u.Ongoing++
			}
		}
		u.Bins, u.Width = Bucket(values)
		u.Symbols = len(symbols)
		u.AvgUptrend = mean(values)
		top := waves
		if len(top) > s.topN {
			top = top[:s.topN]
		}
		u.Top = append([]domain.UptrendWave(nil), top...)
	}

	s.store(ctx, key, u)
	return u, nil
}

// ClearCache drops cached summaries and wave results.
func (s *Service) ClearCache(ctx context.Context) error {
	if s.waves != nil {
		s.waves.ClearCache()
	}
	if s.results == nil {
		return nil
	}
	if err := s.results.Clear(ctx); err != nil {
		return fmt.Errorf("clear result cache: %w", err)
	}
	return nil
}

// lookup reads a cached summary. Cache failures are logged and treated as misses.
func lookup[T any](ctx context.Context, s *Service, key string) (*T, bool) {
	if s.results == nil {
		return nil, false
	}
	v, ok, err := cache.GetJSON[T](ctx, s.results, key)
	if err != nil {
		s.logger.Printf("WARN: result cache read %s: %v", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &v, true
}

func (s *Service) store(ctx context.Context, key string, v interface{}) {
	if s.results == nil {
		return
	}
	if err := cache.SetJSON(ctx, s.results, key, v); err != nil {
		s.logger.Printf("WARN: result cache write %s: %v", key, err)
	}
}

func checkRange(start, end int64) error {
	if end < start {
		return fmt.Errorf("%w: time range invalid", storage.ErrInvalidInput)
	}
	return nil
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
