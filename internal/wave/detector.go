// Package wave decomposes a symbol's candle path into maximal uptrend waves.
package wave

import (
	"market-breadth-lab/internal/domain"
)

// Candle is the subset of a price sample the detector reads.
type Candle struct {
	TimeMs int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
}

// FromSamples converts ordered price samples to detector candles.
func FromSamples(samples []*domain.PriceSample) []Candle {
	out := make([]Candle, len(samples))
	for i, s := range samples {
		out[i] = Candle{TimeMs: s.TimestampMs, Open: s.Open, High: s.High, Low: s.Low, Close: s.Close}
	}
	return out
}

// refs returns the breakdown and peak reference prices of c under mode.
func refs(c Candle, mode domain.PriceMode) (breakdown, peak float64) {
	switch mode {
	case domain.PriceModeOpenClose:
		return c.Open, c.Close
	case domain.PriceModeOpenHigh:
		return c.Open, c.High
	default:
		return c.Low, c.High
	}
}

type point struct {
	timeMs    int64
	breakdown float64
	peak      float64
}

// state is the active wave. The zero value means no wave.
type state struct {
	active     bool
	startIdx   int
	startPrice float64
	startTime  int64
	peakIdx    int
	peakPrice  float64
	peakTime   int64
	lowest     float64 // lowest breakdown reference since start
	sinceHigh  int     // candles since the last new high
}

// Detector is a finite-state wave scanner advanced one candle at a time.
// Not safe for concurrent use.
type Detector struct {
	symbol string
	params domain.WaveParams
	points []point
	st     state
	waves  []domain.UptrendWave
}

// NewDetector creates a detector for one symbol.
func NewDetector(symbol string, params domain.WaveParams) *Detector {
	if params.Mode == "" {
		params.Mode = domain.PriceModeLowHigh
	}
	return &Detector{symbol: symbol, params: params}
}

// Step advances the detector by one candle. Candles must arrive in time order.
func (d *Detector) Step(c Candle) {
	b, p := refs(c, d.params.Mode)
	i := len(d.points)
	d.points = append(d.points, point{timeMs: c.TimeMs, breakdown: b, peak: p})

	if !d.st.active || b < d.st.lowest {
		// first candle, or a deeper low invalidates the current base
		d.startAt(i, i)
		return
	}

	newHigh := false
	if p > d.st.peakPrice {
		d.st.peakIdx = i
		d.st.peakPrice = p
		d.st.peakTime = c.TimeMs
		d.st.sinceHigh = 0
		newHigh = true
	} else {
		d.st.sinceHigh++
	}

	ratio := 1.0
	if rise := d.st.peakPrice - d.st.startPrice; rise != 0 {
		ratio = (c.Close - d.st.startPrice) / rise
	}

	pullback := !newHigh && ratio < d.params.KeepRatio
	exhausted := d.st.sinceHigh >= d.params.NoNewHighCandles
	if !pullback && !exhausted {
		return
	}

	d.emit(false)

	// Next base: lowest breakdown reference between the old peak and this candle.
	low := i
	for j := i - 1; j > d.st.peakIdx; j-- {
		if d.points[j].breakdown <= d.points[low].breakdown {
			low = j
		}
	}
	d.startAt(low, i)
}

// startAt opens a wave based at index from, with its peak taken over [from, to].
func (d *Detector) startAt(from, to int) {
	base := d.points[from]
	peakIdx := from
	for j := from + 1; j <= to; j++ {
		if d.points[j].peak > d.points[peakIdx].peak {
			peakIdx = j
		}
	}
	d.st = state{
		active:     true,
		startIdx:   from,
		startPrice: base.breakdown,
		startTime:  base.timeMs,
		peakIdx:    peakIdx,
		peakPrice:  d.points[peakIdx].peak,
		peakTime:   d.points[peakIdx].timeMs,
		lowest:     base.breakdown,
		sinceHigh:  to - peakIdx,
	}
}

// emit appends the current wave if it passes the minimum-uptrend filter.
func (d *Detector) emit(ongoing bool) {
	st := d.st
	if !st.active || st.peakPrice <= st.startPrice || st.startTime == st.peakTime || st.startPrice <= 0 {
		return
	}
	pct := (st.peakPrice - st.startPrice) / st.startPrice * 100
	if pct < d.params.MinUptrend {
		return
	}
	d.waves = append(d.waves, domain.UptrendWave{
		Symbol:         d.symbol,
		StartTime:      st.startTime,
		PeakTime:       st.peakTime,
		StartPrice:     st.startPrice,
		PeakPrice:      st.peakPrice,
		UptrendPercent: pct,
		IsOngoing:      ongoing,
	})
}

// Finish emits the unterminated wave as ongoing and returns every wave found.
func (d *Detector) Finish() []domain.UptrendWave {
	d.emit(true)
	d.st = state{}
	return d.waves
}

// Detect runs a detector over an ordered candle sequence.
func Detect(symbol string, candles []Candle, params domain.WaveParams) []domain.UptrendWave {
	d := NewDetector(symbol, params)
	for _, c := range candles {
		d.Step(c)
	}
	return d.Finish()
}
