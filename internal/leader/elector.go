package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type ElectorConfig struct {
	Name  string
	Owner string
	TTL   time.Duration
	// RenewEvery defaults to a third of TTL.
	RenewEvery time.Duration
}

// Elector keeps trying to hold a lease and reports whether it currently
// does. Leadership is dropped as soon as a renewal fails, without waiting
// for the lease to expire.
type Elector struct {
	cfg   ElectorConfig
	store Store
	log   *slog.Logger
	now   func() time.Time

	mu     sync.RWMutex
	leader bool
	term   int64
	until  time.Time
}

func NewElector(cfg ElectorConfig, store Store, log *slog.Logger) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := validate(cfg.Name, cfg.Owner, cfg.TTL); err != nil {
		return nil, err
	}
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = cfg.TTL / 3
	}
	if cfg.RenewEvery <= 0 || cfg.RenewEvery >= cfg.TTL {
		return nil, fmt.Errorf("%w: renew interval must be positive and shorter than ttl", ErrInvalidInput)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Elector{
		cfg:   cfg,
		store: store,
		log:   log.With("lease", cfg.Name, "owner", cfg.Owner),
		now:   time.Now,
	}, nil
}

// IsLeader reports whether this process holds an unexpired lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader && e.now().Before(e.until)
}

// Term is the term of the lease last held, zero if never.
func (e *Elector) Term() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.term
}

func (e *Elector) set(l Lease, ok bool) {
	e.mu.Lock()
	was := e.leader
	e.leader = ok
	if ok {
		e.term = l.Term
		e.until = l.ExpiresAt
	}
	e.mu.Unlock()

	switch {
	case ok && !was:
		e.log.Info("leadership acquired", "term", l.Term)
	case !ok && was:
		e.log.Warn("leadership lost")
	}
}

// Step makes one renew-or-acquire attempt.
func (e *Elector) Step(ctx context.Context) error {
	e.mu.RLock()
	held := e.leader
	e.mu.RUnlock()

	if held {
		l, ok, err := e.store.Renew(ctx, e.cfg.Name, e.cfg.Owner, e.cfg.TTL)
		if err == nil && ok {
			e.set(l, true)
			return nil
		}
		e.set(Lease{}, false)
		if err != nil && !errors.Is(err, ErrNotOwner) && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("leader: renew: %w", err)
		}
	}

	l, ok, err := e.store.TryAcquire(ctx, e.cfg.Name, e.cfg.Owner, e.cfg.TTL)
	if err != nil {
		e.set(Lease{}, false)
		return fmt.Errorf("leader: acquire: %w", err)
	}
	e.set(l, ok)
	return nil
}

// Run campaigns until ctx is done, then releases the lease if held.
func (e *Elector) Run(ctx context.Context) error {
	t := time.NewTicker(e.cfg.RenewEvery)
	defer t.Stop()

	for {
		if err := e.Step(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("leader election step failed", "err", err)
		}
		select {
		case <-ctx.Done():
			e.resign()
			return nil
		case <-t.C:
		}
	}
}

func (e *Elector) resign() {
	e.mu.Lock()
	held := e.leader
	e.leader = false
	e.mu.Unlock()
	if !held {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Release(ctx, e.cfg.Name, e.cfg.Owner); err != nil {
		e.log.Warn("release lease", "err", err)
		return
	}
	e.log.Info("leadership released")
}
