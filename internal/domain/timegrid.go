package domain

import "time"

// Candle grid constants.
const (
	Interval   = 5 * time.Minute
	IntervalMs = int64(Interval / time.Millisecond)
	Interval5m = "5m" // exchange interval code
	DayMs      = int64(24 * time.Hour / time.Millisecond)
	HourMs     = int64(time.Hour / time.Millisecond)
)

// FloorToInterval aligns ms down to the 5-minute grid.
func FloorToInterval(ms int64) int64 {
	return ms - ((ms%IntervalMs)+IntervalMs)%IntervalMs
}

// CeilToInterval aligns ms up to the 5-minute grid.
func CeilToInterval(ms int64) int64 {
	f := FloorToInterval(ms)
	if f == ms {
		return ms
	}
	return f + IntervalMs
}

// LatestClosedBoundary returns the open time of the latest fully closed candle:
// now floored to the grid minus one interval.
func LatestClosedBoundary(now time.Time) int64 {
	return FloorToInterval(now.UnixMilli()) - IntervalMs
}

// ExpectedTimestamps returns every grid timestamp within [start, end].
func ExpectedTimestamps(start, end int64) []int64 {
	first := CeilToInterval(start)
	last := FloorToInterval(end)
	if last < first {
		return nil
	}
	out := make([]int64, 0, (last-first)/IntervalMs+1)
	for ts := first; ts <= last; ts += IntervalMs {
		out = append(out, ts)
	}
	return out
}
