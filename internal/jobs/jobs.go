// Package jobs is the claimable job queue: user-scoped job records moved
// through a small state machine by independent worker processes, with an
// optional group key that allows at most one active job per group.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidConfig = errors.New("jobs: invalid config")
	ErrInvalidJob    = errors.New("jobs: invalid job")
	ErrNotFound      = errors.New("jobs: not found")
	ErrAlreadyExists = errors.New("jobs: already exists")
	// ErrGroupActive is returned when a transition into Claimed or Executing
	// would give a group a second active member.
	ErrGroupActive = errors.New("jobs: group has an active job")
	// ErrRetracted is reported to handlers whose job left Executing while
	// they were running.
	ErrRetracted = errors.New("jobs: job retracted")
)

// State is persisted as a single character code.
type State byte

const (
	StateUnknown   State = 'u'
	StateQueued    State = 'q'
	StateClaimed   State = 'c'
	StateExecuting State = 'x'
	StateCompleted State = 'd'
	StateRetracted State = 'r'
)

var stateNames = map[State]string{
	StateUnknown:   "Unknown",
	StateQueued:    "Queued",
	StateClaimed:   "Claimed",
	StateExecuting: "Executing",
	StateCompleted: "Completed",
	StateRetracted: "Retracted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%q)", rune(s))
}

func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Active reports whether s holds its group's exclusive slot.
func (s State) Active() bool {
	return s == StateClaimed || s == StateExecuting
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRetracted
}

// Code is the persisted form of s.
func (s State) Code() string {
	return string(rune(s))
}

// ParseState accepts either the one-character code or the state name.
func ParseState(v string) (State, error) {
	v = strings.TrimSpace(v)
	if len(v) == 1 {
		if s := State(v[0]); s.Valid() {
			return s, nil
		}
	}
	for s, name := range stateNames {
		if strings.EqualFold(name, v) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown state %q", ErrInvalidJob, v)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidJob, rune(s))
	}
	return []byte(s.Code()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Key identifies a job. Jobs are always scoped to their owning user.
type Key struct {
	UserID int64
	ID     uuid.UUID
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.UserID, k.ID)
}

// Less orders keys by user then job id, the tie-break used after creation
// time when draining the queue.
func (k Key) Less(o Key) bool {
	if k.UserID != o.UserID {
		return k.UserID < o.UserID
	}
	return k.ID.String() < o.ID.String()
}

type Record struct {
	UserID int64
	ID     uuid.UUID
	Kind   string
	State  State
	// GroupKey is empty for jobs that never contend with each other.
	GroupKey string
	TokenID  string
	Config   json.RawMessage

	Created     time.Time
	ExecutedAt  time.Time
	CompletedAt time.Time

	PercentComplete float64
	LoadedCount     int64
	Success         bool
	Message         string
}

func (r Record) Key() Key {
	return Key{UserID: r.UserID, ID: r.ID}
}

// Validate checks a record about to be submitted.
func (r Record) Validate() error {
	if r.UserID == 0 {
		return fmt.Errorf("%w: missing user id", ErrInvalidJob)
	}
	if strings.TrimSpace(r.Kind) == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidJob)
	}
	if r.State != StateQueued && r.State != StateUnknown {
		return fmt.Errorf("%w: new jobs must be Queued or Unknown, got %s", ErrInvalidJob, r.State)
	}
	if len(r.Config) > 0 && !json.Valid(r.Config) {
		return fmt.Errorf("%w: config is not valid json", ErrInvalidJob)
	}
	return nil
}

// Store is the claimable job store.
//
// Semantics:
//   - ClaimQueuedJob atomically moves the oldest eligible Queued job to
//     Claimed. A job is eligible when its group has no Claimed or Executing
//     member. Ok is false when nothing is eligible.
//   - UpdateState moves a job to desired only when its current state is one
//     of expected (any state when expected is empty).
//   - UpdateProgress and Complete only apply to Executing jobs.
//   - ResetAbandonedExecutingTasks re-queues Claimed and Executing jobs whose
//     executedAt is strictly before olderThan.
//   - Delete refuses active jobs.
type Store interface {
	Submit(ctx context.Context, r Record) (Record, error)
	Get(ctx context.Context, key Key) (Record, error)

	ClaimQueuedJob(ctx context.Context) (Record, bool, error)
	UpdateState(ctx context.Context, key Key, desired State, expected ...State) (bool, error)
	UpdateProgress(ctx context.Context, key Key, percent float64, loaded int64) (bool, error)
	Complete(ctx context.Context, key Key, success bool, message string) (bool, error)

	ResetAbandonedExecutingTasks(ctx context.Context, olderThan time.Time) (int, error)
	PurgeCompleted(ctx context.Context, olderThan time.Time) (int, error)
	Delete(ctx context.Context, key Key) (bool, error)
}

// PrepareSubmission fills defaults on a record about to be submitted and
// validates it.
func PrepareSubmission(r Record, now time.Time) (Record, error) {
	if r.State == 0 {
		r.State = StateQueued
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Created.IsZero() {
		r.Created = now
	}
	r.Kind = strings.TrimSpace(r.Kind)
	r.GroupKey = strings.TrimSpace(r.GroupKey)
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	r.ExecutedAt = time.Time{}
	r.CompletedAt = time.Time{}
	r.PercentComplete = 0
	r.LoadedCount = 0
	r.Success = false
	r.Message = ""
	return r, nil
}

// ValidateProgress checks an UpdateProgress fraction.
func ValidateProgress(percent float64, loaded int64) error {
	if math.IsNaN(percent) || percent < 0 || percent > 1 {
		return fmt.Errorf("%w: percent complete must be within [0,1]", ErrInvalidJob)
	}
	if loaded < 0 {
		return fmt.Errorf("%w: loaded count must be >= 0", ErrInvalidJob)
	}
	return nil
}

// StateIn reports whether s is one of set; an empty set matches every state.
func StateIn(s State, set ...State) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
