package domain

import "fmt"

// PriceMode selects which candle prices anchor a wave's start and peak.
type PriceMode string

// Supported price modes.
const (
	PriceModeLowHigh   PriceMode = "lowHigh"   // low as start reference, high as peak reference
	PriceModeOpenClose PriceMode = "openClose" // open as start reference, close as peak reference
	PriceModeOpenHigh  PriceMode = "openHigh"  // open as start reference, high as peak reference
)

// ParsePriceMode validates a price mode string. Empty selects lowHigh.
func ParsePriceMode(s string) (PriceMode, error) {
	switch PriceMode(s) {
	case "":
		return PriceModeLowHigh, nil
	case PriceModeLowHigh, PriceModeOpenClose, PriceModeOpenHigh:
		return PriceMode(s), nil
	default:
		return "", fmt.Errorf("unknown price mode %q", s)
	}
}

// WaveParams configures uptrend wave detection.
type WaveParams struct {
	KeepRatio        float64   `json:"keepRatio"`        // wave ends when close retains less than this share of the rise
	NoNewHighCandles int       `json:"noNewHighCandles"` // wave ends after this many candles without a new high
	MinUptrend       float64   `json:"minUptrend"`       // minimum rise in percent to emit a wave
	Mode             PriceMode `json:"mode"`
}

// DefaultWaveParams returns the default detection parameters.
func DefaultWaveParams() WaveParams {
	return WaveParams{
		KeepRatio:        0.75,
		NoNewHighCandles: 12,
		MinUptrend:       4.0,
		Mode:             PriceModeLowHigh,
	}
}

// Validate checks parameter ranges.
func (p WaveParams) Validate() error {
	if p.KeepRatio < 0 || p.KeepRatio > 1 {
		return fmt.Errorf("keepRatio must be within [0, 1], got %v", p.KeepRatio)
	}
	if p.NoNewHighCandles <= 0 {
		return fmt.Errorf("noNewHighCandles must be positive, got %d", p.NoNewHighCandles)
	}
	if p.MinUptrend < 0 {
		return fmt.Errorf("minUptrend must be non-negative, got %v", p.MinUptrend)
	}
	if _, err := ParsePriceMode(string(p.Mode)); err != nil {
		return err
	}
	return nil
}

// UptrendWave is one maximal single-direction rally of a symbol.
// Computed on demand, never persisted.
type UptrendWave struct {
	Symbol         string  `json:"symbol"`
	StartTime      int64   `json:"startTime"`
	PeakTime       int64   `json:"peakTime"`
	StartPrice     float64 `json:"startPrice"`
	PeakPrice      float64 `json:"peakPrice"`
	UptrendPercent float64 `json:"uptrendPercent"`
	IsOngoing      bool    `json:"isOngoing"`
}
