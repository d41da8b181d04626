package index

import (
	"context"
	"errors"
	"math"
	"testing"

	"market-breadth-lab/internal/cache"
	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage/memory"
	"market-breadth-lab/internal/wave"
)

const iv = domain.IntervalMs

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func newTestService(t *testing.T) (*Service, *memory.PriceStore, *memory.IndexStore) {
	t.Helper()
	prices := memory.NewPriceStore()
	points := memory.NewIndexStore()
	svc := NewService(Options{
		Index:   points,
		Prices:  prices,
		Bases:   BaseMap{"AUSDT": 100, "BUSDT": 200, "CUSDT": 50},
		Waves:   wave.NewService(wave.Options{Prices: prices}),
		Results: cache.NewMemory(16, 0),
	})
	return svc, prices, points
}

func TestService_CurrentEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Current(context.Background()); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestService_Stats(t *testing.T) {
	svc, _, points := newTestService(t)
	ctx := context.Background()
	_, err := points.InsertBulk(ctx, []*domain.IndexPoint{
		{TimestampMs: 0, IndexValue: 1, AdvanceDeclineRatio: 2, UpCount: 2, DownCount: 1, CoinCount: 3},
		{TimestampMs: iv, IndexValue: -2, AdvanceDeclineRatio: 0.5, UpCount: 1, DownCount: 2, CoinCount: 3},
		{TimestampMs: 2 * iv, IndexValue: 4, AdvanceDeclineRatio: 3, UpCount: 3, DownCount: 0, CoinCount: 3},
	})
	if err != nil {
		t.Fatalf("InsertBulk: %v", err)
	}

	st, err := svc.Stats(ctx, 0, 2*iv)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Count != 3 || st.Min != -2 || st.Max != 4 || st.Last != 4 {
		t.Errorf("unexpected stats %+v", st)
	}
	if !near(st.Avg, 1) || !near(st.Change, 3) {
		t.Errorf("expected avg 1 and change 3, got %v and %v", st.Avg, st.Change)
	}
	if !near(st.AvgADR, 5.5/3) {
		t.Errorf("expected avg ADR %v, got %v", 5.5/3, st.AvgADR)
	}
	if st.LatestUp != 3 || st.LatestDown != 0 || st.LatestTime != 2*iv {
		t.Errorf("unexpected latest breadth %+v", st)
	}

	cur, err := svc.Current(ctx)
	if err != nil || cur.TimestampMs != 2*iv {
		t.Errorf("expected current at %d, got %+v (%v)", 2*iv, cur, err)
	}

	if _, err := svc.Stats(ctx, 10*iv, 20*iv); !errors.Is(err, ErrNoData) {
		t.Errorf("expected ErrNoData for empty window, got %v", err)
	}
	if _, err := svc.Stats(ctx, iv, 0); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestService_Distribution(t *testing.T) {
	svc, prices, _ := newTestService(t)
	ctx := context.Background()
	_, err := prices.InsertBulk(ctx, []*domain.PriceSample{
		{Symbol: "AUSDT", TimestampMs: 0, Open: 90, Close: 100},
		{Symbol: "AUSDT", TimestampMs: iv, Open: 100, Close: 110},
		{Symbol: "BUSDT", TimestampMs: 0, Open: 210, Close: 200},
		{Symbol: "BUSDT", TimestampMs: iv, Open: 200, Close: 190},
		{Symbol: "CUSDT", TimestampMs: iv, Open: 55, Close: 60},
		// no base price: skipped
		{Symbol: "DUSDT", TimestampMs: iv, Open: 1, Close: 2},
	})
	if err != nil {
		t.Fatalf("InsertBulk: %v", err)
	}

	d, err := svc.Distribution(ctx, 0, iv)
	if err != nil {
		t.Fatalf("Distribution: %v", err)
	}
	if d.Coverage != 3 || d.Up != 2 || d.Down != 1 {
		t.Errorf("unexpected breadth %+v", d)
	}
	if len(d.Skipped) != 1 || d.Skipped[0] != "DUSDT" {
		t.Errorf("expected DUSDT skipped, got %v", d.Skipped)
	}
	if d.Changes[0].Symbol != "CUSDT" || d.Changes[0].Reference != 50 || !near(d.Changes[0].Change, 20) {
		t.Errorf("expected CUSDT +20%% against base 50 first, got %+v", d.Changes[0])
	}
	if d.Changes[1].Symbol != "AUSDT" || !near(d.Changes[1].Change, 10) {
		t.Errorf("expected AUSDT +10%% against its base, not the window open, got %+v", d.Changes[1])
	}
	if d.Changes[2].Symbol != "BUSDT" || !near(d.Changes[2].Change, -5) {
		t.Errorf("expected BUSDT -5%% last, got %+v", d.Changes[2])
	}
	if d.Width != 1 {
		t.Errorf("expected 1pp bins for a 25pp span, got %v", d.Width)
	}
	total := 0
	for _, b := range d.Bins {
		total += b.Count
	}
	if total != 3 {
		t.Errorf("expected 3 values in bins, got %d", total)
	}

	// Served from the result cache once computed.
	if _, err := prices.DeleteRange(ctx, 0, iv); err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	again, err := svc.Distribution(ctx, 0, iv)
	if err != nil || again.Coverage != 3 {
		t.Errorf("expected cached distribution, got %+v (%v)", again, err)
	}
	if err := svc.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if _, err := svc.Distribution(ctx, 0, iv); !errors.Is(err, ErrNoData) {
		t.Errorf("expected ErrNoData after clear, got %v", err)
	}
}

func TestService_Uptrend(t *testing.T) {
	svc, prices, _ := newTestService(t)
	ctx := context.Background()

	var samples []*domain.PriceSample
	for i := 0; i < 10; i++ {
		p := 100 + float64(i)
		samples = append(samples,
			&domain.PriceSample{Symbol: "AUSDT", TimestampMs: int64(i) * iv, Open: p, High: p, Low: p, Close: p},
			&domain.PriceSample{Symbol: "BUSDT", TimestampMs: int64(i) * iv, Open: 50, High: 50, Low: 50, Close: 50},
		)
	}
	if _, err := prices.InsertBulk(ctx, samples); err != nil {
		t.Fatalf("InsertBulk: %v", err)
	}

	u, err := svc.Uptrend(ctx, 0, 9*iv, domain.DefaultWaveParams())
	if err != nil {
		t.Fatalf("Uptrend: %v", err)
	}
	if u.WaveCount != 1 || u.Ongoing != 1 || u.Symbols != 1 {
		t.Fatalf("expected one ongoing wave, got %+v", u)
	}
	if u.Top[0].Symbol != "AUSDT" || !near(u.Top[0].UptrendPercent, 9) {
		t.Errorf("unexpected top wave %+v", u.Top[0])
	}
	if len(u.Bins) != 1 || u.Bins[0].Count != 1 {
		t.Errorf("expected a single bin, got %+v", u.Bins)
	}

	bad := domain.DefaultWaveParams()
	bad.NoNewHighCandles = 0
	if _, err := svc.Uptrend(ctx, 0, 9*iv, bad); err == nil {
		t.Error("expected invalid params error")
	}
}
