// Package retention purges closed chats once they are older than the
// configured retention window.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/supportdesk/internal/shared"
)

// DefaultInterval is how often the worker sweeps when no interval is set.
const DefaultInterval = 5 * time.Minute

const (
	maxRetries = 3
	baseDelay  = 100 * time.Millisecond
)

// Purger deletes closed sessions last active before cutoff.
type Purger interface {
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker periodically deletes closed sessions past their retention.
type Worker struct {
	purger    Purger
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorker creates a retention worker. A zero retention disables it.
func NewWorker(purger Purger, retention, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		purger:    purger,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Enabled reports whether the worker has anything to do.
func (w *Worker) Enabled() bool {
	return w.retention > 0
}

// Start runs the sweep loop in a goroutine until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	if !w.Enabled() {
		w.logger.Info("Retention worker disabled")
		return
	}
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		w.logger.Info("Retention worker started", "interval", w.interval, "retention", w.retention)

		for {
			select {
			case <-ticker.C:
				if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error("Retention sweep failed", "error", err)
				}
			case <-ctx.Done():
				w.logger.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes every closed session older than the retention window.
// SQLite lock conflicts are retried with exponential backoff.
func (w *Worker) Sweep(ctx context.Context) (int64, error) {
	cutoff := w.now().Add(-w.retention)

	var err error
	for i := 0; i < maxRetries; i++ {
		var n int64
		n, err = w.purger.DeleteClosedBefore(ctx, cutoff)
		if err == nil {
			if n > 0 {
				w.logger.Info("Retention sweep removed sessions", "count", n, "cutoff", cutoff)
			}
			return n, nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
		w.logger.Debug("Retention sweep hit a locked database, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 0, err
}
