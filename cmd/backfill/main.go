// Package main runs one-shot maintenance against the store: a backfill of the
// lookback window, optionally followed by gap repair and duplicate cleanup.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-breadth-lab/internal/app"
	"market-breadth-lab/internal/config"
	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/observability"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "YAML configuration file")
	days := flag.Int("days", 0, "Lookback days (defaults to BACKFILL_DAYS)")
	syncSymbols := flag.Bool("sync", true, "Drop base prices of delisted symbols before backfilling")
	repair := flag.Bool("repair", false, "Repair gaps in the window after the backfill")
	dedupe := flag.Bool("dedupe", false, "Remove duplicate rows after the backfill")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address (empty to disable)")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[backfill] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if *days <= 0 {
		*days = cfg.Ingestion.LookbackDays
	}

	// Start metrics server if enabled
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			logger.Printf("Starting metrics server on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	a, err := app.Build(ctx, app.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.Fatalf("Failed to build app: %v", err)
	}
	defer a.Close()
	p := a.Pipeline

	if *syncSymbols {
		res, err := p.SyncSymbols(ctx)
		if err != nil {
			logger.Fatalf("Symbol sync failed: %v", err)
		}
		logger.Printf("Active symbols: %d | removed: %v", res.Active, res.Removed)
	}

	res, err := p.Backfill(ctx, *days)
	if err != nil {
		logger.Fatalf("Backfill failed: %v", err)
	}
	logger.Printf("Backfill %d days: inserted %d (+%d catch-up) | index points %d | bases seeded %d | %s",
		res.Days, res.Backfill.Inserted, res.CatchUp.Inserted, res.IndexPoints, res.BasePricesSeeded,
		res.Duration.Round(time.Millisecond))
	if n := len(res.Backfill.RateLimited); n > 0 {
		logger.Printf("WARN: %d symbols rate limited: %v", n, res.Backfill.RateLimited)
	}
	if n := len(res.Backfill.Failed); n > 0 {
		logger.Printf("WARN: %d symbols failed: %v", n, res.Backfill.Failed)
	}

	if *repair {
		rep, err := p.RepairGaps(ctx, res.From, domain.LatestClosedBoundary(time.Now()))
		if err != nil {
			logger.Fatalf("Gap repair failed: %v", err)
		}
		logger.Printf("Repair: %d symbols, %d ranges, %d missing, inserted %d, index points %d",
			rep.Symbols, rep.Ranges, rep.Missing, rep.Inserted, rep.IndexPoints)
	}

	if *dedupe {
		cl, err := p.RemoveDuplicates(ctx)
		if err != nil {
			logger.Fatalf("Duplicate cleanup failed: %v", err)
		}
		logger.Printf("Removed %d duplicate samples and %d duplicate index points", cl.Samples, cl.IndexPoints)
	}
}
