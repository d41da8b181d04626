// Package service is the invocation surface: every operation returns a
// Response with a success flag plus either data or a human-readable reason.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"market-breadth-lab/internal/backtest"
	"market-breadth-lab/internal/cache"
	"market-breadth-lab/internal/domain"
	"market-breadth-lab/internal/index"
	"market-breadth-lab/internal/ingestion"
	"market-breadth-lab/internal/observability"
	"market-breadth-lab/internal/optimizer"
	"market-breadth-lab/internal/storage"
	"market-breadth-lab/internal/wave"
)

// ErrBusy is returned when a heavy analytic operation is already running.
var ErrBusy = errors.New("busy, retry later")

// Response is the envelope of every operation.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Reason  string      `json:"reason,omitempty"`

	// Err is the failure behind Reason, for callers that map it to a status.
	Err error `json:"-"`
}

func ok(data interface{}) Response {
	return Response{Success: true, Data: data}
}

func fail(err error) Response {
	return Response{Success: false, Reason: reason(err), Err: err}
}

func reason(err error) string {
	switch {
	case errors.Is(err, index.ErrNoData):
		return index.ErrNoData.Error()
	case errors.Is(err, ErrBusy):
		return ErrBusy.Error()
	case errors.Is(err, wave.ErrTimeout):
		return "computation timed out"
	default:
		return err.Error()
	}
}

// Window is a relative (Hours back from now) or absolute [Start, End] time window in Unix ms.
type Window struct {
	Hours int   `json:"hours,omitempty"`
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// Resolve returns the absolute bounds of w. Relative windows end at the 5-minute
// boundary at or before now, so requests within one candle share cache keys.
func (w Window) Resolve(now time.Time) (int64, int64, error) {
	if w.Hours > 0 {
		end := domain.FloorToInterval(now.UnixMilli())
		return end - int64(w.Hours)*domain.HourMs, end, nil
	}
	if w.Start <= 0 || w.End < w.Start {
		return 0, 0, fmt.Errorf("%w: time range invalid", storage.ErrInvalidInput)
	}
	return w.Start, w.End, nil
}

// Options configures Service.
type Options struct {
	Runner     *ingestion.Runner
	Index      *index.Service
	Waves      *wave.Service
	Backtest   *backtest.Engine
	Optimizer  *optimizer.Optimizer
	Source     *backtest.StoreSource // optional, cleared with caches
	RangeCache *cache.RangeCache     // optional, cleared with caches

	Location   *time.Location // backtest default location, UTC when nil
	TotalStake float64        // backtest default stake

	Now    func() time.Time
	Logger *log.Logger
}

// Service fronts the pipeline and the analytic engines.
type Service struct {
	runner     *ingestion.Runner
	pipeline   *ingestion.Pipeline
	index      *index.Service
	waves      *wave.Service
	engine     *backtest.Engine
	optimizer  *optimizer.Optimizer
	source     *backtest.StoreSource
	rangeCache *cache.RangeCache
	location   *time.Location
	totalStake float64
	now        func() time.Time
	logger     *log.Logger

	// heavy serializes uptrend, optimizer and daily ranking runs
	heavy sync.Mutex
	// background owns backfills started by TriggerBackfill and Rebackfill
	background sync.WaitGroup
}

// New creates the service.
func New(opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Service{
		runner:     opts.Runner,
		pipeline:   opts.Runner.Pipeline(),
		index:      opts.Index,
		waves:      opts.Waves,
		engine:     opts.Backtest,
		optimizer:  opts.Optimizer,
		source:     opts.Source,
		rangeCache: opts.RangeCache,
		location:   opts.Location,
		totalStake: opts.TotalStake,
		now:        opts.Now,
		logger:     opts.Logger,
	}
}

// Wait blocks until background backfills have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// --- (a) ingestion ---

// TriggerBackfill starts a backfill in the background.
func (s *Service) TriggerBackfill(ctx context.Context, days int) Response {
	return s.startBackfill(ctx, "backfill", days, s.pipeline.Backfill)
}

// Rebackfill clears a collection pause and starts a backfill in the background.
func (s *Service) Rebackfill(ctx context.Context, days int) Response {
	return s.startBackfill(ctx, "rebackfill", days, s.runner.Rebackfill)
}

func (s *Service) startBackfill(ctx context.Context, name string, days int,
	run func(context.Context, int) (*ingestion.BackfillResult, error)) Response {
	if s.pipeline.Backfilling() {
		return fail(ingestion.ErrBackfillRunning)
	}
	// detached so the request returning does not cancel the run
	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := run(ctx, days); err != nil {
			s.logger.Printf("%s failed: %v", name, err)
		}
	}()
	return ok(map[string]interface{}{"started": true, "days": days})
}

// IngestionStatus reports pipeline state.
func (s *Service) IngestionStatus() Response {
	return ok(s.pipeline.Status())
}

// --- (b) index ---

// CurrentIndex returns the newest index point.
func (s *Service) CurrentIndex(ctx context.Context) Response {
	p, err := s.index.Current(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(p)
}

// IndexHistory returns index points within w.
func (s *Service) IndexHistory(ctx context.Context, w Window) Response {
	start, end, err := w.Resolve(s.now())
	if err != nil {
		return fail(err)
	}
	points, err := s.index.History(ctx, start, end)
	if err != nil {
		return fail(err)
	}
	return ok(points)
}

// IndexStats summarizes index points within w.
func (s *Service) IndexStats(ctx context.Context, w Window) Response {
	start, end, err := w.Resolve(s.now())
	if err != nil {
		return fail(err)
	}
	stats, err := s.index.Stats(ctx, start, end)
	if err != nil {
		return fail(err)
	}
	return ok(stats)
}

// --- (c) distribution and uptrend ---

// Distribution returns the per-symbol change distribution over w.
func (s *Service) Distribution(ctx context.Context, w Window) Response {
	start, end, err := w.Resolve(s.now())
	if err != nil {
		return fail(err)
	}
	return s.timed("distribution", func() (interface{}, error) {
		return s.index.Distribution(ctx, start, end)
	})
}

// Uptrend returns the uptrend wave summary over w. Serialized with other heavy runs.
func (s *Service) Uptrend(ctx context.Context, w Window, params domain.WaveParams) Response {
	start, end, err := w.Resolve(s.now())
	if err != nil {
		return fail(err)
	}
	return s.exclusive("uptrend", func() (interface{}, error) {
		return s.index.Uptrend(ctx, start, end, params)
	})
}

// --- (d) backtest and optimizer ---

// RunBacktest runs one simulation.
func (s *Service) RunBacktest(ctx context.Context, p backtest.Params) Response {
	p = s.withDefaults(p)
	return s.timed("backtest", func() (interface{}, error) {
		return s.engine.Run(ctx, p)
	})
}

// RunOptimizer sweeps space around base. Serialized with other heavy runs.
func (s *Service) RunOptimizer(ctx context.Context, space optimizer.Space, base backtest.Params) Response {
	base = s.withDefaults(base)
	return s.exclusive("optimizer", func() (interface{}, error) {
		return s.optimizer.Run(ctx, space, base)
	})
}

// RunDailyRanking ranks combinations per day. Serialized with other heavy runs.
func (s *Service) RunDailyRanking(ctx context.Context, space optimizer.Space, base backtest.Params, page optimizer.PageRequest) Response {
	base = s.withDefaults(base)
	return s.exclusive("daily_ranking", func() (interface{}, error) {
		return s.optimizer.RunDaily(ctx, space, base, page)
	})
}

func (s *Service) withDefaults(p backtest.Params) backtest.Params {
	if p.Location == nil {
		p.Location = s.location
	}
	if p.TotalStake == 0 {
		p.TotalStake = s.totalStake
	}
	return p
}

// --- (e) gaps ---

// FindGaps lists missing data within w.
func (s *Service) FindGaps(ctx context.Context, w Window) Response {
	start, end, err := w.Resolve(s.now())
	if err != nil {
		return fail(err)
	}
	gaps, err := s.pipeline.FindGaps(ctx, start, end)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"symbols": len(gaps), "gaps": gaps})
}

// RepairGaps re-fetches missing data within w.
func (s *Service) RepairGaps(ctx context.Context, w Window) Response {
	start, end, err := w.Resolve(s.now())
	if err != nil {
		return fail(err)
	}
	res, err := s.pipeline.RepairGaps(ctx, start, end)
	if err != nil {
		return fail(err)
	}
	return ok(res)
}

// --- (f) admin ---

// DeleteRange removes stored data within [start, end].
func (s *Service) DeleteRange(ctx context.Context, start, end int64) Response {
	res, err := s.pipeline.DeleteRange(ctx, start, end)
	if err != nil {
		return fail(err)
	}
	s.clearResults(ctx)
	return ok(res)
}

// DeleteSymbol removes every stored sample of symbol and its base price.
func (s *Service) DeleteSymbol(ctx context.Context, symbol string) Response {
	res, err := s.pipeline.DeleteSymbol(ctx, symbol)
	if err != nil {
		return fail(err)
	}
	s.clearResults(ctx)
	return ok(res)
}

// RemoveDuplicates runs the idempotent duplicate cleanup.
func (s *Service) RemoveDuplicates(ctx context.Context) Response {
	res, err := s.pipeline.RemoveDuplicates(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(res)
}

// --- (g) caches ---

// ClearCache drops every cached summary, wave set and price snapshot.
func (s *Service) ClearCache(ctx context.Context) Response {
	if err := s.index.ClearCache(ctx); err != nil {
		return fail(err)
	}
	if s.waves != nil {
		s.waves.ClearCache()
	}
	if s.source != nil {
		s.source.ClearCache()
	}
	if s.rangeCache != nil {
		s.rangeCache.Clear()
	}
	return ok(map[string]bool{"cleared": true})
}

func (s *Service) clearResults(ctx context.Context) {
	if err := s.index.ClearCache(ctx); err != nil {
		s.logger.Printf("WARN: clear result cache: %v", err)
	}
	if s.waves != nil {
		s.waves.ClearCache()
	}
	if s.source != nil {
		s.source.ClearCache()
	}
}

// timed runs fn and records its duration.
func (s *Service) timed(op string, fn func() (interface{}, error)) Response {
	start := time.Now()
	data, err := fn()
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.RecordAnalyticsRun(op, status, time.Since(start).Seconds())
	if err != nil {
		return fail(err)
	}
	return ok(data)
}

// exclusive runs fn unless another heavy run holds the lock.
func (s *Service) exclusive(op string, fn func() (interface{}, error)) Response {
	if !s.heavy.TryLock() {
		observability.RecordAnalyticsRun(op, "busy", 0)
		return fail(ErrBusy)
	}
	defer s.heavy.Unlock()
	return s.timed(op, fn)
}
