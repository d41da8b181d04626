// Package ingestion keeps the price store gap-free: bulk backfill of the lookback
// window, live collection of each closed 5-minute candle, gap repair and admin cleanup.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"market-breadth-lab/internal/baseprice"
	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/exchange"
	"market-breadth-lab/internal/index"
	"market-breadth-lab/internal/observability"
	"market-breadth-lab/internal/storage"
)

// Pipeline errors.
var (
	ErrBackfillRunning  = errors.New("backfill already running")
	ErrCollectionPaused = errors.New("collection paused, re-backfill required")
)

// Defaults.
const (
	DefaultLookbackDays     = 30
	DefaultConcurrency      = 10
	DefaultFetchPoolSize    = 50
	DefaultFailureBackoff   = 30 * time.Second
	DefaultFailureThreshold = 10
)

// Ingestion phases, used as metric labels.
const (
	PhaseBackfill = "backfill"
	PhaseCatchUp  = "catchup"
	PhaseLive     = "live"
	PhasePending  = "pending"
	PhaseRepair   = "repair"
)

// Invalidator drops cached samples for a written span.
// Satisfied by *cache.RangeCache.
type Invalidator interface {
	InvalidateRange(start, end int64) bool
}

// Options configures a Pipeline.
type Options struct {
	Exchange exchange.Client
	Prices   storage.PriceStore
	Index    storage.IndexStore
	Bases    *baseprice.Registry
	Cache    Invalidator // optional

	// OnIndexPoint is called for every index point written by live collection.
	OnIndexPoint func(*domain.IndexPoint)

	LookbackDays     int           // default 30
	Concurrency      int           // symbols fetched in parallel during backfill, default 10
	FetchPoolSize    int           // parallel latest-candle fetches per live round, default 50
	RequestDelay     time.Duration // pause between paged requests, default client RequestInterval
	FailureBackoff   time.Duration // default 30s
	FailureThreshold int           // consecutive failures before backing off, default 10

	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *log.Logger
}

// Status is a snapshot of pipeline state.
type Status struct {
	Backfilling    bool      `json:"backfilling"`
	Paused         bool      `json:"paused"`
	PauseReason    string    `json:"pause_reason,omitempty"`
	PausedAt       time.Time `json:"paused_at,omitempty"`
	Pending        int       `json:"pending"`
	LastRound      time.Time `json:"last_round,omitempty"`
	LastBackfill   time.Time `json:"last_backfill,omitempty"`
	TrackedSymbols int       `json:"tracked_symbols"`
}

// Pipeline owns every write to the price and index stores.
type Pipeline struct {
	exchange exchange.Client
	prices   storage.PriceStore
	index    storage.IndexStore
	bases    *baseprice.Registry
	cache    Invalidator
	calc     *index.Calculator
	pending  *PendingBuffer

	onIndexPoint func(*domain.IndexPoint)

	lookbackDays     int
	concurrency      int
	fetchPoolSize    int
	requestDelay     time.Duration
	failureBackoff   time.Duration
	failureThreshold int

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *log.Logger

	// mu guards the fields below. Holding it while checking backfilling and
	// buffering a round keeps rounds from slipping past the final flush.
	mu           sync.Mutex
	backfilling  bool
	paused       bool
	pauseReason  string
	pausedAt     time.Time
	lastRound    time.Time
	lastBackfill time.Time
	// delistedAt holds the removal time of symbols dropped by SyncSymbols
	// that have not been seeded again.
	delistedAt map[string]int64
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		exchange:         opts.Exchange,
		prices:           opts.Prices,
		index:            opts.Index,
		bases:            opts.Bases,
		cache:            opts.Cache,
		calc:             index.NewCalculator(opts.Bases),
		pending:          NewPendingBuffer(),
		delistedAt:       make(map[string]int64),
		onIndexPoint:     opts.OnIndexPoint,
		lookbackDays:     opts.LookbackDays,
		concurrency:      opts.Concurrency,
		fetchPoolSize:    opts.FetchPoolSize,
		requestDelay:     opts.RequestDelay,
		failureBackoff:   opts.FailureBackoff,
		failureThreshold: opts.FailureThreshold,
		now:              opts.Now,
		sleep:            opts.Sleep,
		logger:           opts.Logger,
	}
	if p.lookbackDays <= 0 {
		p.lookbackDays = DefaultLookbackDays
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultConcurrency
	}
	if p.fetchPoolSize <= 0 {
		p.fetchPoolSize = DefaultFetchPoolSize
	}
	if p.failureBackoff <= 0 {
		p.failureBackoff = DefaultFailureBackoff
	}
	if p.failureThreshold <= 0 {
		p.failureThreshold = DefaultFailureThreshold
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	return p
}

// Status returns a snapshot of pipeline state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Backfilling:    p.backfilling,
		Paused:         p.paused,
		PauseReason:    p.pauseReason,
		PausedAt:       p.pausedAt,
		Pending:        p.pending.Len(),
		LastRound:      p.lastRound,
		LastBackfill:   p.lastBackfill,
		TrackedSymbols: p.bases.Len(),
	}
}

// Pause halts live collection until Resume. Collection stays closed rather than
// guessing at data it could not fetch.
func (p *Pipeline) Pause(reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.pausedAt = p.now()
	if reason != nil {
		p.pauseReason = reason.Error()
	}
	observability.UpdateCollectionPaused(true)
	p.logger.Printf("WARN: collection paused: %v", reason)
}

// Resume clears a pause.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	p.pauseReason = ""
	p.pausedAt = time.Time{}
	observability.UpdateCollectionPaused(false)
	p.logger.Println("Collection resumed")
}

// Paused reports whether live collection is halted.
func (p *Pipeline) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Backfilling reports whether a backfill is running.
func (p *Pipeline) Backfilling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backfilling
}

func (p *Pipeline) insertSamples(ctx context.Context, phase string, samples []*domain.PriceSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	start := time.Now()
	n, err := p.prices.InsertBulk(ctx, samples)
	observability.RecordStoreWrite("price_samples", time.Since(start).Seconds(), err)
	if err != nil {
		return 0, fmt.Errorf("insert price samples: %w", err)
	}
	observability.RecordSamplesStored(phase, n)
	return n, nil
}

func (p *Pipeline) insertPoints(ctx context.Context, phase string, points []*domain.IndexPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	start := time.Now()
	n, err := p.index.InsertBulk(ctx, points)
	observability.RecordStoreWrite("index_points", time.Since(start).Seconds(), err)
	if err != nil {
		return 0, fmt.Errorf("insert index points: %w", err)
	}
	observability.RecordIndexPointsStored(phase, n)
	return n, nil
}

// seedMissing records a base price for every sample whose symbol lacks one.
func (p *Pipeline) seedMissing(ctx context.Context, missing []*domain.PriceSample) (int, error) {
	seeded := 0
	for _, s := range missing {
		if s.Open <= 0 {
			continue
		}
		created, err := p.bases.SetIfAbsent(ctx, s.Symbol, s.Open)
		if err != nil {
			return seeded, err
		}
		if created {
			seeded++
			observability.RecordBaseSeeded()
			p.mu.Lock()
			delete(p.delistedAt, s.Symbol)
			p.mu.Unlock()
		}
	}
	if seeded > 0 {
		observability.UpdateTrackedSymbols(p.bases.Len())
	}
	return seeded, nil
}

func (p *Pipeline) invalidate(start, end int64) {
	if p.cache != nil {
		p.cache.InvalidateRange(start, end)
	}
}

func (p *Pipeline) invalidateAll() {
	p.invalidate(math.MinInt64, math.MaxInt64)
}

func (p *Pipeline) delay() time.Duration {
	if p.requestDelay > 0 {
		return p.requestDelay
	}
	return p.exchange.RequestInterval()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
