package stale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voltstream/telemetry-core/internal/datum"
	"github.com/voltstream/telemetry-core/internal/events"
	"github.com/voltstream/telemetry-core/internal/publish"
	"github.com/voltstream/telemetry-core/internal/txscope"
)

type Config struct {
	// Kinds limits which markers this processor drains. Empty means all.
	Kinds       []datum.Kind
	Parallelism int
	// MaximumIterations bounds one Run across all workers. Zero is
	// unbounded.
	MaximumIterations int
	// MaximumWait bounds the wall time of one Run. Zero is unbounded.
	MaximumWait time.Duration
	// Rollup marks the parent period (hour -> day -> month) stale in the
	// same transaction that clears a marker.
	Rollup bool
}

type WorkerResult struct {
	ID         int
	Processed  int
	Iterations int
	// NoWork is set when the worker stopped because no marker was left.
	NoWork bool
	Err    error
}

type Result struct {
	Processed int
	// TimedOut is set when MaximumWait cut the run short.
	TimedOut bool
	Workers  []WorkerResult
}

// Success reports whether every worker finished without error.
func (r Result) Success() bool {
	for _, w := range r.Workers {
		if w.Err != nil {
			return false
		}
	}
	return true
}

type Processor struct {
	cfg        Config
	pool       txscope.Pool
	store      Store
	aggregator datum.Aggregator
	hub        *events.Hub
	publisher  publish.Publisher
	log        *slog.Logger

	published atomic.Uint64
}

// New builds a processor. hub and publisher are optional.
func New(cfg Config, pool txscope.Pool, store Store, aggregator datum.Aggregator, hub *events.Hub, publisher publish.Publisher, log *slog.Logger) (*Processor, error) {
	if pool == nil || store == nil || aggregator == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = append([]datum.Kind(nil), datum.Kinds...)
	}
	for _, k := range cfg.Kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: unknown aggregation kind %q", ErrInvalidConfig, string(k))
		}
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.MaximumIterations < 0 || cfg.MaximumWait < 0 {
		return nil, fmt.Errorf("%w: iteration and wait bounds must be >= 0", ErrInvalidConfig)
	}
	if publisher == nil {
		publisher = publish.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		cfg:        cfg,
		pool:       pool,
		store:      store,
		aggregator: aggregator,
		hub:        hub,
		publisher:  publisher,
		log:        log,
	}, nil
}

// Run drains markers with Parallelism workers until none are left, the
// iteration budget is spent or MaximumWait elapses. A failing iteration is
// rolled back and stops only its own worker; the joined worker errors are
// returned.
func (p *Processor) Run(ctx context.Context) (Result, error) {
	runCtx := ctx
	if p.cfg.MaximumWait > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.MaximumWait)
		defer cancel()
	}

	var budget *atomic.Int64
	if p.cfg.MaximumIterations > 0 {
		budget = new(atomic.Int64)
		budget.Store(int64(p.cfg.MaximumIterations))
	}

	results := make([]WorkerResult, p.cfg.Parallelism)
	var g errgroup.Group
	for i := range results {
		id := i
		g.Go(func() error {
			results[id] = p.work(runCtx, id, budget)
			return nil
		})
	}
	_ = g.Wait()

	out := Result{
		Workers:  results,
		TimedOut: p.cfg.MaximumWait > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	var errs []error
	for _, w := range results {
		out.Processed += w.Processed
		if w.Err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", w.ID, w.Err))
		}
	}
	p.log.Info("stale markers processed",
		"kinds", p.cfg.Kinds,
		"processed", out.Processed,
		"workers", len(results),
		"timed_out", out.TimedOut,
		"failed", len(errs),
	)
	return out, errors.Join(errs...)
}

func takeIteration(budget *atomic.Int64) bool {
	if budget == nil {
		return true
	}
	for {
		v := budget.Load()
		if v <= 0 {
			return false
		}
		if budget.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

func (p *Processor) work(ctx context.Context, id int, budget *atomic.Int64) WorkerResult {
	res := WorkerResult{ID: id}
	log := p.log.With("worker", id)
	for ctx.Err() == nil && takeIteration(budget) {
		res.Iterations++
		found, err := p.iteration(ctx, log)
		if err != nil {
			// Hitting the wait bound mid-iteration is a normal stop.
			if ctx.Err() == nil {
				res.Err = err
				log.Error("stale iteration failed", "err", err)
			}
			return res
		}
		if !found {
			res.NoWork = true
			log.Debug("no stale markers found")
			return res
		}
		res.Processed++
	}
	return res
}

// iteration processes at most one marker in its own transaction.
func (p *Processor) iteration(ctx context.Context, log *slog.Logger) (bool, error) {
	var (
		marker Marker
		found  bool
		agg    datum.Aggregate
		stored bool
		latest datum.Aggregate
		newest bool
	)
	err := txscope.WithTx(ctx, p.pool, func(ctx context.Context, tx txscope.Tx) error {
		var err error
		marker, found, err = p.store.LockNext(ctx, tx, p.cfg.Kinds)
		if err != nil {
			return fmt.Errorf("stale: lock marker: %w", err)
		}
		if !found {
			return nil
		}
		agg, stored, err = p.aggregator.Recompute(ctx, tx, marker.StreamID, marker.Kind, marker.TsStart)
		if err != nil {
			return fmt.Errorf("stale: recompute %s %s %s: %w", marker.StreamID, marker.Kind, marker.TsStart.Format(time.RFC3339), err)
		}
		if err := p.store.Delete(ctx, tx, marker); err != nil {
			return fmt.Errorf("stale: delete marker: %w", err)
		}
		if parent, ok := marker.Kind.Parent(); ok && p.cfg.Rollup {
			up := Marker{StreamID: marker.StreamID, Kind: parent, TsStart: parent.Truncate(marker.TsStart)}
			if err := p.store.Mark(ctx, tx, up); err != nil {
				return fmt.Errorf("stale: mark %s: %w", parent, err)
			}
		}
		if !p.publisher.IsConfigured() {
			return nil
		}
		var ok bool
		latest, ok, err = p.aggregator.Latest(ctx, tx, marker.StreamID, marker.Kind)
		if err != nil {
			return fmt.Errorf("stale: latest %s %s: %w", marker.StreamID, marker.Kind, err)
		}
		// A recomputed period older than the stream's newest one leaves the
		// downstream snapshot unchanged.
		newest = ok && !latest.TsStart.After(marker.Kind.Truncate(marker.TsStart))
		return nil
	})
	if err != nil || !found {
		return false, err
	}
	if stored && p.hub != nil && p.hub.Len() > 0 {
		p.hub.Offer(ctx, AggregateEvent(agg))
	}
	if newest {
		p.publish(ctx, log, latest)
	}
	return true, nil
}

// publish runs after commit; failures are logged and never undo the work.
func (p *Processor) publish(ctx context.Context, log *slog.Logger, agg datum.Aggregate) {
	ok, err := p.publisher.Publish(ctx, agg, agg.Kind)
	if err != nil {
		log.Warn("publish aggregate", "stream", agg.StreamID, "kind", agg.Kind, "err", err)
		return
	}
	if ok {
		p.published.Add(1)
	}
}

// Published returns how many aggregates this processor has pushed
// downstream.
func (p *Processor) Published() uint64 {
	return p.published.Load()
}
