package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"market-breadth-lab/internal/backtest"
	"market-breadth-lab/internal/baseprice"
	"market-breadth-lab/internal/cache"
	"market-breadth-lab/internal/config"
	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/exchange"
	"market-breadth-lab/internal/index"
	"market-breadth-lab/internal/ingestion"
	"market-breadth-lab/internal/notify"
	"market-breadth-lab/internal/optimizer"
	"market-breadth-lab/internal/service"
	"market-breadth-lab/internal/wave"
)

// redisPrefix namespaces shared result cache keys.
const redisPrefix = "mbl:"

// Options configures Build.
type Options struct {
	Config *config.Config
	// Exchange overrides the configured REST client, used by tests.
	Exchange exchange.Client
	// OnIndexPoint receives every newly stored index point.
	OnIndexPoint func(*domain.IndexPoint)
	Logger       *log.Logger
}

// App is the assembled system.
type App struct {
	Config    *config.Config
	Location  *time.Location
	Stores    *Stores
	Bases     *baseprice.Registry
	Exchange  exchange.Client
	Range     *cache.RangeCache
	Results   cache.ResultCache
	Waves     *wave.Service
	Index     *index.Service
	Pipeline  *ingestion.Pipeline
	Runner    *ingestion.Runner
	Source    *backtest.StoreSource
	Engine    *backtest.Engine
	Optimizer *optimizer.Optimizer
	Notifier  *notify.Async
	Service   *service.Service

	closers []func()
}

// Build opens stores, loads base prices and wires every component.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Location: loc}
	stores, closeStores, err := OpenStores(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.Stores = stores
	a.closers = append(a.closers, closeStores)

	a.Bases = baseprice.NewRegistry(stores.Bases)
	if err := a.Bases.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("load base prices: %w", err)
	}
	logger.Printf("Loaded %d base prices", a.Bases.Len())

	a.Exchange = opts.Exchange
	if a.Exchange == nil {
		a.Exchange = exchange.NewHTTPClient(cfg.Exchange.BaseURL,
			exchange.WithTimeout(cfg.Exchange.Timeout),
			exchange.WithMaxRetries(cfg.Exchange.MaxRetries),
			exchange.WithRequestInterval(cfg.Exchange.RequestInterval),
			exchange.WithQuoteAsset(cfg.Exchange.QuoteAsset),
		)
	}

	a.Results, err = a.resultCache(ctx, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	prices := stores.Prices
	a.Range = cache.NewRangeCache(func(ctx context.Context, start, end int64) ([]*domain.PriceSample, error) {
		return prices.GetByTimeRange(ctx, start, end)
	}, loc)

	a.Waves = wave.NewService(wave.Options{
		Prices:    prices,
		PoolSize:  cfg.Wave.PoolSize,
		Timeout:   cfg.Wave.Timeout,
		CacheTTL:  cfg.Wave.CacheTTL,
		CacheSize: cfg.Wave.CacheSize,
		Logger:    logger,
	})
	a.Index = index.NewService(index.Options{
		Index:   stores.Index,
		Prices:  prices,
		Bases:   a.Bases,
		Waves:   a.Waves,
		Results: a.Results,
		Logger:  logger,
	})

	a.Notifier = notify.NewAsync(a.notifier(logger), logger)
	a.closers = append(a.closers, a.Notifier.Wait)

	a.Pipeline = ingestion.New(ingestion.Options{
		Exchange:         a.Exchange,
		Prices:           prices,
		Index:            stores.Index,
		Bases:            a.Bases,
		Cache:            a.Range,
		OnIndexPoint:     opts.OnIndexPoint,
		LookbackDays:     cfg.Ingestion.LookbackDays,
		Concurrency:      cfg.Ingestion.Concurrency,
		FetchPoolSize:    cfg.Ingestion.FetchPoolSize,
		RequestDelay:     cfg.Ingestion.RequestDelay,
		FailureBackoff:   cfg.Ingestion.FailureBackoff,
		FailureThreshold: cfg.Ingestion.FailureThreshold,
		Logger:           logger,
	})
	a.Runner = ingestion.NewRunner(ingestion.RunnerOptions{
		Pipeline:        a.Pipeline,
		Notifier:        a.Notifier,
		StartupBackfill: cfg.Ingestion.StartupBackfill,
		BackfillDays:    cfg.Ingestion.LookbackDays,
		Offset:          cfg.Ingestion.CollectOffset,
		Logger:          logger,
	})

	a.Source = backtest.NewStoreSource(backtest.StoreSourceOptions{
		Prices:    prices,
		Range:     a.Range,
		PointSize: cfg.Cache.PointSize,
		PointTTL:  cfg.Cache.PointTTL,
	})
	a.Engine = backtest.NewEngine(backtest.Options{Source: a.Source, Logger: logger})
	a.Optimizer = optimizer.New(optimizer.Options{Source: a.Source, Logger: logger})

	a.Service = service.New(service.Options{
		Runner:     a.Runner,
		Index:      a.Index,
		Waves:      a.Waves,
		Backtest:   a.Engine,
		Optimizer:  a.Optimizer,
		Source:     a.Source,
		RangeCache: a.Range,
		Location:   loc,
		TotalStake: cfg.Backtest.TotalStake,
		Logger:     logger,
	})
	a.closers = append(a.closers, a.Service.Wait)
	return a, nil
}

// resultCache returns the in-process cache, tiered over Redis when configured.
func (a *App) resultCache(ctx context.Context, logger *log.Logger) (cache.ResultCache, error) {
	local := cache.NewMemory(a.Config.Cache.ResultSize, a.Config.Cache.ResultTTL)
	if a.Config.Redis.Addr == "" {
		return local, nil
	}
	shared, err := cache.NewRedis(ctx, a.Config.Redis.Addr, a.Config.Redis.Password, a.Config.Redis.DB,
		redisPrefix, a.Config.Cache.ResultTTL)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.closers = append(a.closers, func() { shared.Close() })
	logger.Printf("Shared result cache at %s", a.Config.Redis.Addr)
	return cache.NewTiered(local, shared), nil
}

func (a *App) notifier(logger *log.Logger) notify.Notifier {
	channels := notify.Multi{notify.NewLog(logger)}
	if a.Config.Alerts.TelegramToken != "" {
		channels = append(channels, notify.NewTelegram(a.Config.Alerts.TelegramToken, a.Config.Alerts.TelegramChatID))
		logger.Printf("Telegram alerts enabled (token %s)", a.Config.MaskedTelegramToken())
	}
	return channels
}

// MemoryWatcher returns a watcher alerting through the app notifier.
func (a *App) MemoryWatcher(logger *log.Logger) *notify.MemoryWatcher {
	return notify.NewMemoryWatcher(notify.MemoryWatcherOptions{
		Notifier:     a.Notifier,
		ThresholdMiB: a.Config.Alerts.MemoryThresholdMiB,
		Interval:     a.Config.Alerts.MemoryInterval,
		Logger:       logger,
	})
}

// Close waits for background work and closes connections, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
