// Package notify delivers operational alerts (collection paused, memory pressure)
// to log output and external channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Level represents the severity of an alert.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is one notification.
type Alert struct {
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Notifier is the alerting collaborator.
type Notifier interface {
	// CollectionPaused reports that live collection halted after err.
	CollectionPaused(ctx context.Context, err error) error

	// Notify delivers a generic alert.
	Notify(ctx context.Context, alert Alert) error
}

// PausedAlert builds the alert sent when collection halts.
func PausedAlert(err error) Alert {
	return Alert{
		Level:   LevelCritical,
		Title:   "Collection paused",
		Message: fmt.Sprintf("Live collection halted and needs a re-backfill: %v", err),
	}
}

// Log writes alerts to a logger.
type Log struct {
	logger *log.Logger
}

// NewLog creates a log notifier. A nil logger uses log.Default().
func NewLog(logger *log.Logger) *Log {
	if logger == nil {
		logger = log.Default()
	}
	return &Log{logger: logger}
}

// CollectionPaused logs a paused alert.
func (n *Log) CollectionPaused(ctx context.Context, err error) error {
	return n.Notify(ctx, PausedAlert(err))
}

// Notify logs alert.
func (n *Log) Notify(_ context.Context, alert Alert) error {
	n.logger.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi fans an alert out to several notifiers and joins their errors.
type Multi []Notifier

// CollectionPaused implements Notifier.
func (m Multi) CollectionPaused(ctx context.Context, err error) error {
	return m.Notify(ctx, PausedAlert(err))
}

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async delivers alerts in the background so callers never block on a channel.
// Delivery errors are logged.
type Async struct {
	next   Notifier
	logger *log.Logger
	wg     sync.WaitGroup
}

// NewAsync wraps next with fire-and-forget delivery.
func NewAsync(next Notifier, logger *log.Logger) *Async {
	if logger == nil {
		logger = log.Default()
	}
	return &Async{next: next, logger: logger}
}

// CollectionPaused implements Notifier. It never returns an error.
func (a *Async) CollectionPaused(ctx context.Context, err error) error {
	return a.Notify(ctx, PausedAlert(err))
}

// Notify dispatches alert and returns immediately.
func (a *Async) Notify(ctx context.Context, alert Alert) error {
	// detached so a finished request does not cancel delivery
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.next.Notify(ctx, alert); err != nil {
			a.logger.Printf("WARN: deliver alert %q: %v", alert.Title, err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched alert has been delivered.
func (a *Async) Wait() {
	a.wg.Wait()
}

var (
	_ Notifier = (*Log)(nil)
	_ Notifier = Multi(nil)
	_ Notifier = (*Async)(nil)
)
