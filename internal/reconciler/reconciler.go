// Package reconciler finds deliveries whose task was lost and hands them back
// to the orchestrator.
//
// Two kinds of pairs are swept. A pair stuck in attempting past StaleAfter
// belonged to a worker that died mid-attempt; it is recovered as a transient
// failure. A pending or retrying pair whose next attempt is overdue by more
// than Grace lost its queued task; it is resumed. Both paths are safe to
// repeat because the store only starts or finishes an attempt through a
// compare-and-set.
package reconciler

import (
	"context"
	"time"

	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/logging"
)

// Store lists candidate pairs.
type Store interface {
	ListStaleAttempts(ctx context.Context, startedBefore time.Time, limit int) ([]delivery.Pair, error)
	ListOverdue(ctx context.Context, dueBefore time.Time, limit int) ([]delivery.Pair, error)
}

// Orchestrator is the subset of delivery.Orchestrator the reconciler drives.
type Orchestrator interface {
	Recover(ctx context.Context, pair delivery.Pair) error
	Resume(ctx context.Context, pair delivery.Pair) error
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often a cycle runs. Default: 30 seconds.
	Interval time.Duration

	// StaleAfter is how long an attempt may stay in flight before it is
	// considered interrupted. Default: 5 minutes.
	StaleAfter time.Duration

	// Grace is how far past its due time a pending or retrying pair may be
	// before its task is considered lost. Default: 2 minutes.
	Grace time.Duration

	// BatchSize caps each list query. Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		StaleAfter: delivery.DefaultStaleAfter,
		Grace:      2 * time.Minute,
		BatchSize:  100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	Recovered int
	Resumed   int
	Failed    int
}

type Reconciler struct {
	config Config
	store  Store
	orch   Orchestrator
	logger *logging.Logger
	clock  func() time.Time
}

func New(config Config, store Store, orch Orchestrator) *Reconciler {
	return &Reconciler{
		config: config.withDefaults(),
		store:  store,
		orch:   orch,
		logger: logging.Default(),
		clock:  time.Now,
	}
}

func (r *Reconciler) WithLogger(l *logging.Logger) *Reconciler {
	r.logger = l
	return r
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.clock = now
	return r
}

// Run starts the loop and blocks until ctx is cancelled. A cycle runs
// immediately on start.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Plain().WithFields(map[string]any{
		"interval":    r.config.Interval.String(),
		"stale_after": r.config.StaleAfter.String(),
		"grace":       r.config.Grace.String(),
		"batch":       r.config.BatchSize,
	}).Info("reconciler started")

	r.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Plain().Info("reconciler stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one sweep. List errors abort that half of the cycle; the
// next tick retries.
func (r *Reconciler) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	now := r.clock().UTC()

	stale, err := r.store.ListStaleAttempts(ctx, now.Add(-r.config.StaleAfter), r.config.BatchSize)
	if err != nil {
		r.logger.Plain().WithError(err).Error("list stale attempts failed")
	}
	for _, p := range stale {
		if ctx.Err() != nil {
			return stats
		}
		if err := r.orch.Recover(ctx, p); err != nil {
			r.logger.WithContext(ctx).WithDelivery(p.ID).WithError(err).Warn("recover failed")
			stats.Failed++
			continue
		}
		stats.Recovered++
	}

	overdue, err := r.store.ListOverdue(ctx, now.Add(-r.config.Grace), r.config.BatchSize)
	if err != nil {
		r.logger.Plain().WithError(err).Error("list overdue pairs failed")
	}
	for _, p := range overdue {
		if ctx.Err() != nil {
			return stats
		}
		if err := r.orch.Resume(ctx, p); err != nil {
			r.logger.WithContext(ctx).WithDelivery(p.ID).WithError(err).Warn("resume failed")
			stats.Failed++
			continue
		}
		stats.Resumed++
	}

	if stats != (CycleStats{}) {
		r.logger.Plain().WithFields(map[string]any{
			"recovered": stats.Recovered,
			"resumed":   stats.Resumed,
			"failed":    stats.Failed,
		}).Info("reconcile cycle complete")
	}
	return stats
}
