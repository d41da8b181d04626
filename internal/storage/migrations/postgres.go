package migrations

import (
	"context"
	"log"

	"market-breadth-lab/internal/storage/postgres"
)

// RunPostgresMigrations applies the embedded PostgreSQL schema. Each file runs
// as one simple-protocol Exec, so it may hold several statements.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, logger *log.Logger) error {
	return apply(ctx, PostgresFS, "postgres", logger, func(ctx context.Context, sql string) error {
		_, err := pool.Exec(ctx, sql)
		return err
	})
}
