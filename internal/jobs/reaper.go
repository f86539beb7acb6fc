package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type ReaperConfig struct {
	// MaxRunTime is how long a job may stay Claimed or Executing before it is
	// considered abandoned and re-queued.
	MaxRunTime time.Duration
	// Retention is how long Completed and Retracted jobs are kept. Zero keeps
	// them forever.
	Retention time.Duration
}

type SweepResult struct {
	Reset  int
	Purged int
}

// Reaper repairs jobs left behind by crashed workers. Sweep is meant to run
// periodically on a single instance.
type Reaper struct {
	cfg   ReaperConfig
	store Store
	nowFn func() time.Time
	log   *slog.Logger
}

func NewReaper(cfg ReaperConfig, store Store, nowFn func() time.Time, log *slog.Logger) (*Reaper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.MaxRunTime <= 0 {
		return nil, fmt.Errorf("%w: max run time must be > 0", ErrInvalidConfig)
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("%w: retention must be >= 0", ErrInvalidConfig)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{cfg: cfg, store: store, nowFn: nowFn, log: log}, nil
}

func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var out SweepResult
	now := r.nowFn().UTC()

	n, err := r.store.ResetAbandonedExecutingTasks(ctx, now.Add(-r.cfg.MaxRunTime))
	if err != nil {
		return out, fmt.Errorf("jobs: reset abandoned: %w", err)
	}
	out.Reset = n
	if n > 0 {
		r.log.Warn("re-queued abandoned jobs", "count", n, "max_run_time", r.cfg.MaxRunTime)
	}

	if r.cfg.Retention > 0 {
		n, err := r.store.PurgeCompleted(ctx, now.Add(-r.cfg.Retention))
		if err != nil {
			return out, fmt.Errorf("jobs: purge completed: %w", err)
		}
		out.Purged = n
		if n > 0 {
			r.log.Info("purged finished jobs", "count", n)
		}
	}
	return out, nil
}
