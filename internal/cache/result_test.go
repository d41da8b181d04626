package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemory_JSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, time.Minute)

	type summary struct {
		Profit float64
		Trades int
	}
	if err := SetJSON(ctx, m, "k", summary{Profit: 1.5, Trades: 3}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	got, ok, err := GetJSON[summary](ctx, m, "k")
	if err != nil || !ok {
		t.Fatalf("GetJSON: ok=%v err=%v", ok, err)
	}
	if got.Trades != 3 {
		t.Errorf("unexpected value %+v", got)
	}

	_, ok, _ = GetJSON[summary](ctx, m, "missing")
	if ok {
		t.Error("expected miss")
	}
}

func TestTiered_BackfillsLocal(t *testing.T) {
	ctx := context.Background()
	local := NewMemory(10, time.Minute)
	shared := NewMemory(10, time.Minute)
	tiered := NewTiered(local, shared)

	_ = shared.Set(ctx, "k", []byte("v"))
	data, ok, err := tiered.Get(ctx, "k")
	if err != nil || !ok || string(data) != "v" {
		t.Fatalf("expected shared hit, got %q %v %v", data, ok, err)
	}
	if local.Len() != 1 {
		t.Error("expected local tier back-filled")
	}

	_ = tiered.Clear(ctx)
	if local.Len() != 0 || shared.Len() != 0 {
		t.Error("expected both tiers cleared")
	}
}

func TestMemory_ClearPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, time.Minute)
	_ = m.Set(ctx, "index:a", nil)
	_ = m.Set(ctx, "index:b", nil)
	_ = m.Set(ctx, "wave:a", nil)

	if n := m.ClearPrefix("index:"); n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 left, got %d", m.Len())
	}
}
