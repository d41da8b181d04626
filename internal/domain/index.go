package domain

// IndexPoint is the equal-weighted breadth index at one closed candle.
// Corresponds to index_points table. At most one row per timestamp_ms, never updated.
type IndexPoint struct {
	ID                  int64   // store row identity, 0 if not yet stored
	TimestampMs         int64   // closed candle timestamp, Unix ms
	IndexValue          float64 // mean percentage change vs base price
	TotalVolume         float64 // sum of volumes of counted symbols
	CoinCount           int     // number of symbols counted
	UpCount             int     // symbols with positive change
	DownCount           int     // symbols with negative change
	AdvanceDeclineRatio float64 // up/down, or up when down is zero
}

// MissingRange is a contiguous run of missing 5-minute timestamps, inclusive.
type MissingRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Count returns the number of grid points covered by the range.
func (r MissingRange) Count() int {
	return int((r.End-r.Start)/IntervalMs) + 1
}

// SymbolGaps lists the missing data of one symbol within a queried range.
type SymbolGaps struct {
	Symbol  string         `json:"symbol"`
	Missing int            `json:"missing"`
	Ranges  []MissingRange `json:"ranges"`
}
