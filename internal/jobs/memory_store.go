package jobs

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory job store intended for unit tests and
// single-process usage. It is safe for concurrent use; every operation runs
// under one mutex, which stands in for the row locks of the postgres store.
type MemoryStore struct {
	mu    sync.Mutex
	nowFn func() time.Time

	records map[Key]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(nowFn func() time.Time) *MemoryStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStore{
		nowFn:   nowFn,
		records: make(map[Key]Record),
	}
}

func (s *MemoryStore) Submit(_ context.Context, r Record) (Record, error) {
	if s == nil {
		return Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	now := s.nowFn().UTC()
	r, err := PrepareSubmission(r, now)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.Key()]; ok {
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyExists, r.Key())
	}
	s.records[r.Key()] = cloneRecord(r)
	return cloneRecord(r), nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Record, error) {
	if s == nil {
		return Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *MemoryStore) ClaimQueuedJob(_ context.Context) (Record, bool, error) {
	if s == nil {
		return Record{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	now := s.nowFn().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeGroupsLocked()
	var queued []Record
	for _, r := range s.records {
		if r.State != StateQueued {
			continue
		}
		if r.GroupKey != "" && active[r.GroupKey] {
			continue
		}
		queued = append(queued, r)
	}
	if len(queued) == 0 {
		return Record{}, false, nil
	}
	slices.SortFunc(queued, CompareClaimOrder)

	r := queued[0]
	r.State = StateClaimed
	r.ExecutedAt = now
	s.records[r.Key()] = r
	return cloneRecord(r), true, nil
}

func (s *MemoryStore) UpdateState(_ context.Context, key Key, desired State, expected ...State) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if !desired.Valid() {
		return false, fmt.Errorf("%w: unknown desired state %q", ErrInvalidJob, rune(desired))
	}
	now := s.nowFn().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok || !StateIn(r.State, expected...) {
		return false, nil
	}
	if desired.Active() && !r.State.Active() && r.GroupKey != "" {
		for k, other := range s.records {
			if k != key && other.GroupKey == r.GroupKey && other.State.Active() {
				return false, fmt.Errorf("%w: %q", ErrGroupActive, r.GroupKey)
			}
		}
	}
	s.records[key] = ApplyState(r, desired, now)
	return true, nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, key Key, percent float64, loaded int64) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := ValidateProgress(percent, loaded); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok || r.State != StateExecuting {
		return false, nil
	}
	r.PercentComplete = percent
	r.LoadedCount = loaded
	s.records[key] = r
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key Key, success bool, message string) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	now := s.nowFn().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok || r.State != StateExecuting {
		return false, nil
	}
	r = ApplyState(r, StateCompleted, now)
	r.Success = success
	r.Message = message
	if success {
		r.PercentComplete = 1
	}
	s.records[key] = r
	return true, nil
}

func (s *MemoryStore) ResetAbandonedExecutingTasks(_ context.Context, olderThan time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	now := s.nowFn().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, r := range s.records {
		if !r.State.Active() {
			continue
		}
		started := r.ExecutedAt
		if started.IsZero() {
			started = r.Created
		}
		if !started.Before(olderThan) {
			continue
		}
		s.records[k] = ApplyState(r, StateQueued, now)
		n++
	}
	return n, nil
}

func (s *MemoryStore) PurgeCompleted(_ context.Context, olderThan time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, r := range s.records {
		if !r.State.Terminal() {
			continue
		}
		done := r.CompletedAt
		if done.IsZero() {
			done = r.Created
		}
		if done.Before(olderThan) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok || r.State.Active() {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryStore) activeGroupsLocked() map[string]bool {
	out := make(map[string]bool)
	for _, r := range s.records {
		if r.GroupKey != "" && r.State.Active() {
			out[r.GroupKey] = true
		}
	}
	return out
}

// CompareClaimOrder orders records by creation time, then by key.
func CompareClaimOrder(a, b Record) int {
	if c := a.Created.Compare(b.Created); c != 0 {
		return c
	}
	switch {
	case a.Key().Less(b.Key()):
		return -1
	case b.Key().Less(a.Key()):
		return 1
	}
	return 0
}

// ApplyState sets the state and the timestamps that go with it: entering
// Claimed or Executing stamps executedAt, re-queueing clears it, and the
// terminal states stamp completedAt.
func ApplyState(r Record, desired State, now time.Time) Record {
	r.State = desired
	switch {
	case desired.Active():
		r.ExecutedAt = now
	case desired == StateQueued:
		r.ExecutedAt = time.Time{}
	case desired.Terminal():
		r.CompletedAt = now
	}
	return r
}

func cloneRecord(r Record) Record {
	if r.Config != nil {
		r.Config = append([]byte(nil), r.Config...)
	}
	return r
}
