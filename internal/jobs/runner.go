package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voltstream/telemetry-core/internal/txscope"
)

// Progress records how far a running job has got. It returns ErrRetracted
// once the job is no longer Executing; handlers should stop and return it.
type Progress func(ctx context.Context, percent float64, loaded int64) error

// Handler executes one claimed job of a given kind. The returned message is
// stored on the completed job.
type Handler interface {
	Execute(ctx context.Context, job Record, progress Progress) (string, error)
}

type HandlerFunc func(ctx context.Context, job Record, progress Progress) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, job Record, progress Progress) (string, error) {
	return f(ctx, job, progress)
}

type RunnerConfig struct {
	Workers      int
	PollInterval time.Duration
	// Handlers maps a job kind to its handler. Claimed jobs of an unknown
	// kind complete unsuccessfully.
	Handlers map[string]Handler
	// Retry applies to claims that fail with a transient database error.
	Retry txscope.RetryConfig
}

type Stats struct {
	Succeeded uint64
	Failed    uint64
	Abandoned uint64
}

type Runner struct {
	cfg   RunnerConfig
	store Store
	log   *slog.Logger

	succeeded atomic.Uint64
	failed    atomic.Uint64
	abandoned atomic.Uint64
}

func NewRunner(cfg RunnerConfig, store Store, log *slog.Logger) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(cfg.Handlers) == 0 {
		return nil, fmt.Errorf("%w: at least one handler is required", ErrInvalidConfig)
	}
	for kind, h := range cfg.Handlers {
		if kind == "" || h == nil {
			return nil, fmt.Errorf("%w: handler kind and handler must be set", ErrInvalidConfig)
		}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.Backoff <= 0 {
		cfg.Retry.Backoff = 50 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, store: store, log: log}, nil
}

func (r *Runner) Stats() Stats {
	return Stats{
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
		Abandoned: r.abandoned.Load(),
	}
}

// Run starts the configured number of workers and blocks until ctx is done.
// Store errors are logged and retried after the poll interval.
func (r *Runner) Run(ctx context.Context) error {
	var g errgroup.Group
	for i := 0; i < r.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			r.loop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, worker int) {
	log := r.log.With("worker", worker)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ran, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("job runner iteration", "err", err)
		}
		if ran && err == nil {
			timer.Reset(0)
			continue
		}
		timer.Reset(r.cfg.PollInterval)
	}
}

// RunOnce claims at most one job and runs it to completion. It reports
// whether a job was claimed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	var (
		rec Record
		ok  bool
	)
	err := txscope.Retry(ctx, r.cfg.Retry, func(ctx context.Context) error {
		var err error
		rec, ok, err = r.store.ClaimQueuedJob(ctx)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("jobs: claim: %w", err)
	}
	if !ok {
		return false, nil
	}

	key := rec.Key()
	log := r.log.With("job", key.String(), "kind", rec.Kind)

	moved, err := r.store.UpdateState(ctx, key, StateExecuting, StateClaimed)
	if err != nil {
		return true, fmt.Errorf("jobs: mark executing %s: %w", key, err)
	}
	if !moved {
		log.Info("job left claimed state before execution")
		return true, nil
	}
	rec.State = StateExecuting

	msg, herr := r.execute(ctx, rec)
	switch {
	case errors.Is(herr, ErrRetracted):
		r.abandoned.Add(1)
		log.Info("job no longer executing, dropping result")
		return true, nil
	case herr != nil && ctx.Err() != nil:
		// Leave it Executing; the reaper re-queues it once it is stale.
		r.abandoned.Add(1)
		log.Warn("job interrupted by shutdown", "err", herr)
		return true, nil
	}

	success := herr == nil
	if !success {
		msg = herr.Error()
		log.Warn("job failed", "err", herr)
	}
	done, err := r.store.Complete(ctx, key, success, msg)
	if err != nil {
		return true, fmt.Errorf("jobs: complete %s: %w", key, err)
	}
	if !done {
		r.abandoned.Add(1)
		log.Info("job no longer executing, dropping result")
		return true, nil
	}
	if success {
		r.succeeded.Add(1)
		log.Info("job completed", "message", msg)
	} else {
		r.failed.Add(1)
	}
	return true, nil
}

func (r *Runner) execute(ctx context.Context, rec Record) (msg string, err error) {
	h, ok := r.cfg.Handlers[rec.Kind]
	if !ok {
		return "", fmt.Errorf("%w: no handler for kind %q", ErrInvalidJob, rec.Kind)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("jobs: handler panic: %v", p)
		}
	}()

	key := rec.Key()
	progress := func(ctx context.Context, percent float64, loaded int64) error {
		ok, err := r.store.UpdateProgress(ctx, key, percent, loaded)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRetracted
		}
		return nil
	}
	return h.Execute(ctx, rec, progress)
}
