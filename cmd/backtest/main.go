// Package main runs one short-top-gainers backtest or a parameter sweep against stored
// prices and writes CSV, Markdown and Parquet outputs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"market-breadth-lab/internal/app"
	"market-breadth-lab/internal/backtest"
	"market-breadth-lab/internal/cache"
	"market-breadth-lab/internal/config"
	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/optimizer"
	"market-breadth-lab/internal/reporting"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "YAML configuration file")

	// Backtest parameters
	start := flag.String("start", "", "First day, YYYY-MM-DD (required)")
	end := flag.String("end", "", "Last day inclusive, YYYY-MM-DD (required)")
	entryHour := flag.Int("entry-hour", 0, "Entry hour in the configured timezone")
	window := flag.Int("window", 24, "Ranking window in hours")
	hold := flag.Int("hold", 24, "Holding period in hours")
	topN := flag.Int("top-n", 5, "Number of top gainers shorted per day")
	stake := flag.Float64("stake", 0, "Total stake per day (defaults to BACKTEST_TOTAL_STAKE)")

	// Sweep
	sweep := flag.Bool("sweep", false, "Run the optimizer instead of a single backtest")
	spacePath := flag.String("space", "", "YAML parameter space for --sweep (default space when empty)")
	workers := flag.Int("workers", 0, "Parallel simulations for --sweep (GOMAXPROCS when zero)")
	top := flag.Int("top", reporting.DefaultTopResults, "Sweep rows listed in the Markdown report")

	// Output
	outputDir := flag.String("output-dir", "output", "Output directory")
	outputJSON := flag.Bool("json", false, "Print the result as JSON to stdout")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stderr, "[backtest] ", log.LstdFlags)

	if *start == "" || *end == "" {
		logger.Fatal("--start and --end are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatalf("Invalid timezone: %v", err)
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

	stores, cleanup, err := app.OpenStores(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatalf("Failed to open stores: %v", err)
	}
	defer cleanup()

	rng := cache.NewRangeCache(func(ctx context.Context, start, end int64) ([]*domain.PriceSample, error) {
		return stores.Prices.GetByTimeRange(ctx, start, end)
	}, loc)
	source := backtest.NewStoreSource(backtest.StoreSourceOptions{
		Prices:    stores.Prices,
		Range:     rng,
		PointSize: cfg.Cache.PointSize,
		PointTTL:  cfg.Cache.PointTTL,
	})

	params := backtest.Params{
		Start:              *start,
		End:                *end,
		EntryHour:          *entryHour,
		RankingWindowHours: *window,
		HoldHours:          *hold,
		TopN:               *topN,
		TotalStake:         cfg.Backtest.TotalStake,
		Location:           loc,
	}
	if *stake > 0 {
		params.TotalStake = *stake
	}

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		logger.Fatalf("Failed to create output dir: %v", err)
	}

	now := time.Now().UTC()
	if *sweep {
		space := optimizer.DefaultSpace()
		if *spacePath != "" {
			if space, err = loadSpace(*spacePath); err != nil {
				logger.Fatalf("Failed to load space: %v", err)
			}
		}
		opt := optimizer.New(optimizer.Options{Source: source, Workers: *workers, Logger: logger, Verbose: true})
		rep, err := opt.Run(ctx, space, params)
		if err != nil {
			logger.Fatalf("Sweep failed: %v", err)
		}
		if *outputJSON {
			printJSON(logger, rep)
		}
		report := reporting.NewSweepReport(params, space, rep, now)
		report.TopResults = *top
		writeFile(logger, filepath.Join(*outputDir, "optimizer.md"), reporting.RenderMarkdown(report))
		writeFile(logger, filepath.Join(*outputDir, "optimizer.csv"), reporting.RenderCSV(rep.Results))
		parquetPath := filepath.Join(*outputDir, "optimizer.parquet")
		if err := reporting.WriteParquet(parquetPath, rep.Results); err != nil {
			logger.Fatalf("Failed to write parquet: %v", err)
		}
		logger.Printf("Wrote %d combinations to %s", len(rep.Results), *outputDir)
		return
	}

	engine := backtest.NewEngine(backtest.Options{Source: source, Logger: logger})
	res, err := engine.Run(ctx, params)
	if err != nil {
		logger.Fatalf("Backtest failed: %v", err)
	}
	if *outputJSON {
		printJSON(logger, res)
	}
	writeFile(logger, filepath.Join(*outputDir, "backtest.md"),
		reporting.RenderMarkdown(reporting.NewBacktestReport(params, res, now)))
	writeFile(logger, filepath.Join(*outputDir, "trades.csv"), reporting.RenderTradesCSV(res))
	logger.Printf("Backtest: %d days, %d trades, profit %.4f (%d days skipped)",
		res.TradingDays, res.TotalTrades, res.TotalProfit, len(res.Skipped))
}

func loadSpace(path string) (optimizer.Space, error) {
	var space optimizer.Space
	data, err := os.ReadFile(path)
	if err != nil {
		return space, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &space); err != nil {
		return space, fmt.Errorf("parse %s: %w", path, err)
	}
	return space, nil
}

func writeFile(logger *log.Logger, path, content string) {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		logger.Fatalf("Failed to write %s: %v", path, err)
	}
}

func printJSON(logger *log.Logger, v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Fatalf("Failed to encode JSON: %v", err)
	}
}
