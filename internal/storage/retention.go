package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Retention periodically prunes lifecycle events older than a fixed age.
type Retention struct {
	events EventStore
	keep   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRetention creates a retention job that keeps events for keep.
func NewRetention(events EventStore, keep time.Duration, logger *slog.Logger) *Retention {
	return &Retention{
		events: events,
		keep:   keep,
		logger: logger,
		now:    time.Now,
	}
}

// Prune deletes every event older than the retention window.
func (r *Retention) Prune(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.keep)
	n, err := r.events.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "pruned sandbox events",
			slog.Int64("deleted", n),
			slog.Time("before", cutoff),
		)
	}
	return n, nil
}

// Start runs Prune on the given cron spec (e.g. "@every 1h") until Stop.
func (r *Retention) Start(ctx context.Context, spec string) error {
	if r.keep <= 0 {
		return fmt.Errorf("retention must be positive, got %s", r.keep)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("retention job already running")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Prune(ctx); err != nil {
			r.logger.ErrorContext(ctx, "event retention failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("scheduling retention: %w", err)
	}
	c.Start()
	r.cron = c

	r.logger.InfoContext(ctx, "event retention started",
		slog.String("schedule", spec),
		slog.String("keep", r.keep.String()),
	)
	return nil
}

// Stop halts the job and waits for a running prune to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
}
