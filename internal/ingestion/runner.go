package ingestion

import (
	"context"
	"errors"
	"log"
	"time"

	"market-breadth-lab/internal/notify"
)

// Runner schedules live collection after an optional startup backfill.
type Runner struct {
	pipeline        *Pipeline
	notifier        notify.Notifier
	startupBackfill bool
	backfillDays    int
	interval        time.Duration
	offset          time.Duration
	now             func() time.Time
	logger          *log.Logger
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Pipeline        *Pipeline
	Notifier        notify.Notifier // default: log notifier
	StartupBackfill bool
	BackfillDays    int           // default: pipeline lookback
	Interval        time.Duration // Default: 5m
	Offset          time.Duration // Default: 10s - delay into each interval so the candle has closed
	Now             func() time.Time
	Logger          *log.Logger
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) *Runner {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	offset := opts.Offset
	if offset <= 0 || offset >= interval {
		offset = 10 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLog(logger)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Runner{
		pipeline:        opts.Pipeline,
		notifier:        notifier,
		startupBackfill: opts.StartupBackfill,
		backfillDays:    opts.BackfillDays,
		interval:        interval,
		offset:          offset,
		now:             now,
		logger:          logger,
	}
}

// Run starts the startup backfill in the background and collects one round per
// interval. It blocks until context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Println("Starting ingestion runner...")

	if r.startupBackfill {
		go func() {
			if _, err := r.pipeline.Backfill(ctx, r.backfillDays); err != nil && !errors.Is(err, ErrBackfillRunning) {
				r.logger.Printf("Startup backfill failed: %v", err)
			}
		}()
	}

	r.logger.Printf("Runner started, interval: %v, offset: %v", r.interval, r.offset)

	for {
		timer := time.NewTimer(r.nextTick(r.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Println("Runner stopping...")
			return ctx.Err()
		case <-timer.C:
			_ = r.Round(ctx)
		}
	}
}

// nextTick returns the wait until the next interval boundary plus offset.
func (r *Runner) nextTick(now time.Time) time.Duration {
	next := now.Truncate(r.interval).Add(r.offset)
	if !next.After(now) {
		next = next.Add(r.interval)
	}
	return next.Sub(now)
}

// Round runs one live collection. A failed round pauses collection and alerts;
// rounds are refused until Rebackfill clears the pause.
func (r *Runner) Round(ctx context.Context) error {
	res, err := r.pipeline.CollectLatest(ctx)
	switch {
	case errors.Is(err, ErrCollectionPaused):
		r.logger.Println("Skipping round: collection paused")
		return err
	case err != nil:
		if ctx.Err() != nil {
			return err
		}
		r.pipeline.Pause(err)
		if nerr := r.notifier.CollectionPaused(ctx, err); nerr != nil {
			r.logger.Printf("WARN: paused alert: %v", nerr)
		}
		return err
	}

	switch {
	case res.Skipped:
		r.logger.Printf("Round %d skipped", res.TimestampMs)
	case res.Buffered:
		r.logger.Printf("Round %d buffered behind backfill (%d candles)", res.TimestampMs, res.Fetched)
	default:
		value := 0.0
		if res.Point != nil {
			value = res.Point.IndexValue
		}
		r.logger.Printf("Round %d: %d/%d candles, %d stored, %d seeded, index %.4f",
			res.TimestampMs, res.Fetched, res.Symbols, res.Inserted, res.Seeded, value)
	}
	return nil
}

// Rebackfill clears a pause and runs a backfill. A failed backfill pauses again.
func (r *Runner) Rebackfill(ctx context.Context, days int) (*BackfillResult, error) {
	r.pipeline.Resume()
	res, err := r.pipeline.Backfill(ctx, days)
	if err != nil && !errors.Is(err, ErrBackfillRunning) {
		r.pipeline.Pause(err)
		if nerr := r.notifier.CollectionPaused(ctx, err); nerr != nil {
			r.logger.Printf("WARN: paused alert: %v", nerr)
		}
	}
	return res, err
}

// Pipeline returns the pipeline driven by the runner.
func (r *Runner) Pipeline() *Pipeline {
	return r.pipeline
}
