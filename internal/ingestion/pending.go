package ingestion

import (
	"sort"
	"sync"

	"market-breadth-lab/internal/domain"
)

// PendingBuffer holds live rounds collected while a backfill runs.
// Rounds for the same timestamp are merged, later candles winning per symbol.
type PendingBuffer struct {
	mu     sync.Mutex
	rounds map[int64]*domain.PendingSample
}

// NewPendingBuffer creates an empty buffer.
func NewPendingBuffer() *PendingBuffer {
	return &PendingBuffer{rounds: make(map[int64]*domain.PendingSample)}
}

// Add merges candles into the round at ts and returns the number of buffered rounds.
func (b *PendingBuffer) Add(ts int64, candles map[string]*domain.Candle) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	round, ok := b.rounds[ts]
	if !ok {
		round = &domain.PendingSample{TimestampMs: ts, Candles: make(map[string]*domain.Candle, len(candles))}
		b.rounds[ts] = round
	}
	for sym, c := range candles {
		round.Candles[sym] = c
	}
	return len(b.rounds)
}

// Drain removes and returns every buffered round, ascending by timestamp.
func (b *PendingBuffer) Drain() []*domain.PendingSample {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*domain.PendingSample, 0, len(b.rounds))
	for _, r := range b.rounds {
		out = append(out, r)
	}
	b.rounds = make(map[int64]*domain.PendingSample)
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out
}

// Len returns the number of buffered rounds.
func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rounds)
}

// samplesOf converts a round to samples sorted by symbol.
func samplesOf(ts int64, candles map[string]*domain.Candle) []*domain.PriceSample {
	out := make([]*domain.PriceSample, 0, len(candles))
	for sym, c := range candles {
		s := c.ToSample(sym)
		s.TimestampMs = ts
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
