// Package leader elects one worker process to run the periodic tasks that
// must not overlap across processes, such as the abandoned-job sweep.
// Election is an expiring named lease; each change of owner bumps the
// lease term so stale leaders can be told apart.
package leader

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leader: invalid input")
	ErrNotFound     = errors.New("leader: not found")
	ErrNotOwner     = errors.New("leader: not owner")
)

type Lease struct {
	Name      string
	Owner     string
	Term      int64
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease table.
//
// TryAcquire succeeds when the lease is absent, expired or already held by
// owner; the term increases only when ownership changes. Renew succeeds only
// for the current owner. Release is idempotent when the lease is absent.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
