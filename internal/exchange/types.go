package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"

	"market-breadth-lab/internal/domain"
)

// exchangeInfo is the subset of /fapi/v1/exchangeInfo used here.
type exchangeInfo struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	QuoteAsset   string `json:"quoteAsset"`
	ContractType string `json:"contractType"`
}

// apiError is the error body returned with 4xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Msg)
}

// parseKline decodes one kline row:
// [openTime, open, high, low, close, volume, closeTime, ...] with prices as strings.
func parseKline(row []json.RawMessage) (*domain.Candle, error) {
	if len(row) < 6 {
		return nil, fmt.Errorf("kline has %d fields, want at least 6", len(row))
	}

	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return nil, fmt.Errorf("open time: %w", err)
	}

	values := make([]float64, 5)
	for i := range values {
		v, err := parseDecimal(row[i+1])
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i+1, err)
		}
		values[i] = v
	}

	return &domain.Candle{
		OpenTimeMs: openTime,
		Open:       values[0],
		High:       values[1],
		Low:        values[2],
		Close:      values[3],
		Volume:     values[4],
	}, nil
}

// parseDecimal accepts both quoted and bare numbers.
func parseDecimal(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}
