package wave

import (
	"context"
	"errors"
	"testing"
	"time"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage/memory"
)

func seedRise(t *testing.T, store *memory.PriceStore, symbol string, base float64, n int) {
	t.Helper()
	var samples []*domain.PriceSample
	for i := 0; i < n; i++ {
		p := base + float64(i)*base*0.01
		samples = append(samples, &domain.PriceSample{
			Symbol: symbol, TimestampMs: int64(i) * step,
			Open: p, High: p * 1.002, Low: p, Close: p * 1.002,
		})
	}
	if _, err := store.InsertBulk(context.Background(), samples); err != nil {
		t.Fatalf("seed %s: %v", symbol, err)
	}
}

func TestService_ComputeSortedAndCached(t *testing.T) {
	store := memory.NewPriceStore()
	seedRise(t, store, "SLOW", 100, 6) // ~5%
	seedRise(t, store, "FAST", 10, 20) // ~19%
	seedRise(t, store, "FLATX", 1, 1)  // single candle, skipped

	svc := NewService(Options{Prices: store})
	ctx := context.Background()

	waves, err := svc.Compute(ctx, 0, 100*step, domain.DefaultWaveParams())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(waves) != 2 {
		t.Fatalf("expected 2 waves, got %+v", waves)
	}
	if waves[0].Symbol != "FAST" || waves[1].Symbol != "SLOW" {
		t.Errorf("expected waves sorted by uptrend desc, got %s, %s", waves[0].Symbol, waves[1].Symbol)
	}

	// Cached: new data is not visible until the cache is cleared.
	seedRise(t, store, "NEWCOIN", 5, 30)
	again, _ := svc.Compute(ctx, 0, 100*step, domain.DefaultWaveParams())
	if len(again) != 2 {
		t.Errorf("expected cached result, got %d waves", len(again))
	}
	svc.ClearCache()
	fresh, _ := svc.Compute(ctx, 0, 100*step, domain.DefaultWaveParams())
	if len(fresh) != 3 {
		t.Errorf("expected recomputed result with 3 waves, got %d", len(fresh))
	}
}

func TestService_InvalidParams(t *testing.T) {
	svc := NewService(Options{Prices: memory.NewPriceStore()})
	params := domain.DefaultWaveParams()
	params.KeepRatio = 2
	if _, err := svc.Compute(context.Background(), 0, step, params); err == nil {
		t.Error("expected validation error")
	}
	if _, err := svc.Compute(context.Background(), step, 0, domain.DefaultWaveParams()); err == nil {
		t.Error("expected range error")
	}
}

// blockingStore stalls every symbol load until the context ends.
type blockingStore struct {
	*memory.PriceStore
}

func (b blockingStore) GetBySymbolRange(ctx context.Context, _ string, _, _ int64) ([]*domain.PriceSample, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestService_TimeoutReturnsNoPartialResult(t *testing.T) {
	store := memory.NewPriceStore()
	seedRise(t, store, "A", 10, 10)
	seedRise(t, store, "B", 10, 10)

	svc := NewService(Options{Prices: blockingStore{store}, Timeout: 20 * time.Millisecond})
	waves, err := svc.Compute(context.Background(), 0, 100*step, domain.DefaultWaveParams())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if waves != nil {
		t.Errorf("expected no partial result, got %d waves", len(waves))
	}
}
