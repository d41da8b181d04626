// Package app assembles stores, caches, the pipeline and analytics from configuration.
package app

import (
	"context"
	"fmt"
	"log"

	"market-breadth-lab/internal/config"
	"market-breadth-lab/internal/storage"
	chstore "market-breadth-lab/internal/storage/clickhouse"
	"market-breadth-lab/internal/storage/memory"
	"market-breadth-lab/internal/storage/migrations"
	pgstore "market-breadth-lab/internal/storage/postgres"
)

// Stores holds the three durable stores.
type Stores struct {
	Prices storage.PriceStore
	Index  storage.IndexStore
	Bases  storage.BasePriceStore
}

// OpenStores creates the stores for cfg.Backend and applies migrations.
// The returned cleanup closes every connection it opened.
func OpenStores(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (*Stores, func(), error) {
	if cfg.Backend == "memory" {
		stores := &Stores{
			Prices: memory.NewPriceStore(),
			Index:  memory.NewIndexStore(),
			Bases:  memory.NewBasePriceStore(),
		}
		return stores, func() {}, nil
	}

	// PostgreSQL always holds base prices
	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	if cfg.Backend == "postgres" {
		stores := &Stores{
			Prices: pgstore.NewPriceStore(pool),
			Index:  pgstore.NewIndexStore(pool),
			Bases:  pgstore.NewBasePriceStore(pool),
		}
		return stores, pool.Close, nil
	}

	// ClickHouse for the time series
	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	stores := &Stores{
		Prices: chstore.NewPriceStore(chConn),
		Index:  chstore.NewIndexStore(chConn),
		Bases:  pgstore.NewBasePriceStore(pool),
	}
	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return stores, cleanup, nil
}
