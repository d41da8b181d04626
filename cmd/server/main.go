// Package main runs the full service:
// - Ingestion: startup backfill, then one collection round per closed 5m candle
// - HTTP API: index queries, analytics, admin operations, /metrics and /ws/index
// - Memory watcher: alerts when the heap crosses the configured threshold
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-breadth-lab/internal/api"
	"market-breadth-lab/internal/app"
	"market-breadth-lab/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides SERVER_ADDR)")
	noBackfill := flag.Bool("no-backfill", false, "Skip the startup backfill")
	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *noBackfill {
		cfg.Ingestion.StartupBackfill = false
	}
	logger.Printf("Storage backend: %s | lookback %d days | quote %s",
		cfg.Storage.Backend, cfg.Ingestion.LookbackDays, cfg.Exchange.QuoteAsset)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := api.NewHub(logger)
	a, err := app.Build(ctx, app.Options{Config: cfg, OnIndexPoint: hub.Broadcast, Logger: logger})
	if err != nil {
		logger.Fatalf("Failed to build app: %v", err)
	}
	defer a.Close()

	// Channel to signal completion
	done := make(chan struct{})

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	apiServer := api.NewServer(api.Options{
		Service:     a.Service,
		Hub:         hub,
		BackfillDay: cfg.Ingestion.LookbackDays,
		Logger:      logger,
	})

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.ListenAndServe(srv); err != nil {
			errCh <- err
		}
	}()
	go a.MemoryWatcher(logger).Run(ctx)
	go func() {
		if err := a.Runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Printf("Server error: %v", err)
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}
	a.Close()
	close(done)

	logger.Println("Shutdown complete")
}
