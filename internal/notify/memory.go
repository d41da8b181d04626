package notify

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"
)

// MemoryWatcher samples heap usage and raises an alert when it crosses a threshold.
// After firing it stays quiet until usage drops below the threshold again.
type MemoryWatcher struct {
	notifier  Notifier
	threshold uint64 // bytes
	interval  time.Duration
	read      func() uint64
	logger    *log.Logger
	firing    bool
}

// MemoryWatcherOptions configures MemoryWatcher.
type MemoryWatcherOptions struct {
	Notifier     Notifier
	ThresholdMiB uint64
	Interval     time.Duration // default 1 minute
	Logger       *log.Logger
}

// NewMemoryWatcher creates a watcher. A zero threshold disables alerts.
func NewMemoryWatcher(opts MemoryWatcherOptions) *MemoryWatcher {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &MemoryWatcher{
		notifier:  opts.Notifier,
		threshold: opts.ThresholdMiB << 20,
		interval:  opts.Interval,
		read:      heapAlloc,
		logger:    opts.Logger,
	}
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// Run samples until ctx is cancelled.
func (w *MemoryWatcher) Run(ctx context.Context) {
	if w.threshold == 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check samples once and returns true when an alert was sent.
func (w *MemoryWatcher) Check(ctx context.Context) bool {
	used := w.read()
	if used < w.threshold {
		w.firing = false
		return false
	}
	if w.firing {
		return false
	}
	w.firing = true
	alert := Alert{
		Level:   LevelWarning,
		Title:   "Memory pressure",
		Message: fmt.Sprintf("Heap usage %d MiB exceeds %d MiB", used>>20, w.threshold>>20),
	}
	if err := w.notifier.Notify(ctx, alert); err != nil {
		w.logger.Printf("WARN: memory alert: %v", err)
	}
	return true
}
