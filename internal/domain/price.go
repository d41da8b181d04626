package domain

// Candle is one OHLC+volume record as returned by the exchange.
type Candle struct {
	OpenTimeMs int64   // candle open time, Unix ms
	Open       float64 // open price
	High       float64 // high price
	Low        float64 // low price
	Close      float64 // close price
	Volume     float64 // base asset volume
}

// PriceSample is one stored closed 5-minute candle for one symbol.
// Corresponds to price_samples table. At most one row per (symbol, timestamp_ms).
type PriceSample struct {
	ID          int64   // store row identity, 0 if not yet stored
	Symbol      string  // exchange trading pair, e.g. BTCUSDT
	TimestampMs int64   // candle open time, Unix ms, aligned to IntervalMs
	Open        float64 // open price
	High        float64 // high price
	Low         float64 // low price
	Close       float64 // close price
	Volume      float64 // base asset volume
}

// ToSample converts a candle into a PriceSample for symbol.
func (c *Candle) ToSample(symbol string) *PriceSample {
	return &PriceSample{
		Symbol:      symbol,
		TimestampMs: c.OpenTimeMs,
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
	}
}

// BasePrice is the reference price of a symbol used for percentage change.
// Corresponds to base_prices table. One row per active symbol.
type BasePrice struct {
	Symbol    string  // exchange trading pair
	Price     float64 // open price of the first tracked candle
	CreatedAt int64   // Unix ms when the base price was recorded
}

// PendingSample buffers one live collection round while a backfill is running.
type PendingSample struct {
	TimestampMs int64              // closed candle timestamp
	Candles     map[string]*Candle // keyed by symbol
}
