package wave

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"market-breadth-lab/internal/cache"
	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/storage"
)

// ErrTimeout is returned when detection exceeds its time budget. No partial result is returned.
var ErrTimeout = errors.New("wave detection timed out")

// Default configuration values.
const (
	DefaultPoolSize  = 4
	DefaultTimeout   = 2 * time.Minute
	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 32

	cachePrefix = "wave"
)

// Options configures Service.
type Options struct {
	Prices    storage.PriceStore
	PoolSize  int           // concurrent symbols, kept small to bound candle buffers
	Timeout   time.Duration // overall budget per Compute call
	CacheTTL  time.Duration
	CacheSize int
	Logger    *log.Logger
}

// Service runs wave detection across every stored symbol.
type Service struct {
	prices   storage.PriceStore
	poolSize int
	timeout  time.Duration
	results  *cache.TTL[string, []domain.UptrendWave]
	logger   *log.Logger
}

// NewService creates a wave service.
func NewService(opts Options) *Service {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Service{
		prices:   opts.Prices,
		poolSize: opts.PoolSize,
		timeout:  opts.Timeout,
		results:  cache.NewTTL[string, []domain.UptrendWave](opts.CacheSize, opts.CacheTTL),
		logger:   opts.Logger,
	}
}

// Compute detects waves for every symbol within [start, end], sorted by uptrend percent descending.
func (s *Service) Compute(ctx context.Context, start, end int64, params domain.WaveParams) ([]domain.UptrendWave, error) {
	if end < start {
		return nil, fmt.Errorf("%w: end before start", storage.ErrInvalidInput)
	}
	if params.Mode == "" {
		params.Mode = domain.PriceModeLowHigh
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	key := cache.Key(cachePrefix, map[string]interface{}{
		"start":     start,
		"end":       end,
		"keepRatio": params.KeepRatio,
		"noNewHigh": params.NoNewHighCandles,
		"minUp":     params.MinUptrend,
		"mode":      string(params.Mode),
	})
	if waves, ok := s.results.Get(key); ok {
		return waves, nil
	}

	symbols, err := s.prices.DistinctSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	perSymbol := make([][]domain.UptrendWave, len(symbols))
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(s.poolSize)
	for i, sym := range symbols {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			samples, err := s.prices.GetBySymbolRange(gctx, sym, start, end)
			if err != nil {
				return fmt.Errorf("load %s: %w", sym, err)
			}
			if len(samples) < 2 {
				return nil
			}
			perSymbol[i] = Detect(sym, FromSamples(samples), params)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			s.logger.Printf("Wave detection exceeded %s over %d symbols", s.timeout, len(symbols))
			return nil, ErrTimeout
		}
		return nil, err
	}

	var waves []domain.UptrendWave
	for _, ws := range perSymbol {
		waves = append(waves, ws...)
	}
	SortByUptrend(waves)

	s.results.Set(key, waves)
	return waves, nil
}

// ClearCache drops every cached result.
func (s *Service) ClearCache() {
	s.results.Clear()
}

// SortByUptrend orders waves by uptrend percent descending, then symbol and start time.
func SortByUptrend(waves []domain.UptrendWave) {
	sort.SliceStable(waves, func(i, j int) bool {
		if waves[i].UptrendPercent != waves[j].UptrendPercent {
			return waves[i].UptrendPercent > waves[j].UptrendPercent
		}
		if waves[i].Symbol != waves[j].Symbol {
			return waves[i].Symbol < waves[j].Symbol
		}
		return waves[i].StartTime < waves[j].StartTime
	})
}
