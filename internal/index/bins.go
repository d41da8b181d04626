package index

import "math"

// binLadder lists the allowed bin widths in percentage points, finest first.
var binLadder = []float64{0.2, 0.5, 1, 2, 5}

// maxBins is the bin count above which the next ladder step is used.
const maxBins = 30

// Bin is one histogram bucket covering [Lower, Upper).
type Bin struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// BinWidth picks the finest ladder width that covers [min, max] in at most maxBins bins.
func BinWidth(min, max float64) float64 {
	span := max - min
	for _, w := range binLadder {
		if span/w <= maxBins {
			return w
		}
	}
	return binLadder[len(binLadder)-1]
}

// Bucket histograms values with a width chosen by BinWidth.
// Bins are aligned to multiples of the width and empty interior bins are kept.
func Bucket(values []float64) ([]Bin, float64) {
	if len(values) == 0 {
		return nil, 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	width := BinWidth(lo, hi)

	first := math.Floor(lo/width) * width
	n := int(math.Floor((hi-first)/width)) + 1
	bins := make([]Bin, n)
	for i := range bins {
		bins[i].Lower = round(first + float64(i)*width)
		bins[i].Upper = round(first + float64(i+1)*width)
	}
	for _, v := range values {
		i := int(math.Floor((v - first) / width))
		if i >= n {
			i = n - 1
		}
		if i < 0 {
			i = 0
		}
		bins[i].Count++
	}
	return bins, width
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
