package memory

import (
	"context"
	"errors"
	"testing"

	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

func TestBasePriceStore_InsertAndGetAll(t *testing.T) {
	store := NewBasePriceStore()
	ctx := context.Background()

	for _, bp := range []*domain.BasePrice{
		{Symbol: "ETHUSDT", Price: 10, CreatedAt: 1},
		{Symbol: "BTCUSDT", Price: 100, CreatedAt: 1},
	} {
		if err := store.Insert(ctx, bp); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 2 || all[0].Symbol != "BTCUSDT" {
		t.Errorf("Expected 2 base prices sorted by symbol, got %+v", all)
	}
}

func TestBasePriceStore_DuplicateKey(t *testing.T) {
	store := NewBasePriceStore()
	ctx := context.Background()

	bp := &domain.BasePrice{Symbol: "BTCUSDT", Price: 100}
	if err := store.Insert(ctx, bp); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	err := store.Insert(ctx, &domain.BasePrice{Symbol: "BTCUSDT", Price: 200})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestBasePriceStore_Delete(t *testing.T) {
	store := NewBasePriceStore()
	ctx := context.Background()

	_ = store.Insert(ctx, &domain.BasePrice{Symbol: "BTCUSDT", Price: 100})
	if err := store.Delete(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "BTCUSDT"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBasePriceStore_InvalidInput(t *testing.T) {
	store := NewBasePriceStore()
	err := store.Insert(context.Background(), &domain.BasePrice{Symbol: "BTCUSDT", Price: 0})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for zero price, got %v", err)
	}
}
