package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestNewRunner_Validation(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()
	h := HandlerFunc(func(context.Context, Record, Progress) (string, error) { return "", nil })

	if _, err := NewRunner(RunnerConfig{Handlers: map[string]Handler{"a": h}}, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewRunner(RunnerConfig{}, s, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("no handlers: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewRunner(RunnerConfig{Handlers: map[string]Handler{"a": nil}}, s, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil handler: expected ErrInvalidConfig, got %v", err)
	}
}

func TestRunner_RunOnceCompletesJob(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()
	ctx := context.Background()
	job := mustSubmit(t, s, Record{UserID: 1, Kind: "import", GroupKey: "g"})

	var seen Record
	r, err := NewRunner(RunnerConfig{Handlers: map[string]Handler{
		"import": HandlerFunc(func(ctx context.Context, rec Record, progress Progress) (string, error) {
			seen = rec
			if err := progress(ctx, 0.5, 5); err != nil {
				return "", err
			}
			return "loaded 10", nil
		}),
	}}, s, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	ran, err := r.RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("RunOnce: ran=%v err=%v", ran, err)
	}
	if seen.Key() != job.Key() || seen.State != StateExecuting {
		t.Fatalf("handler saw %s in state %s", seen.Key(), seen.State)
	}
	got, _ := s.Get(ctx, job.Key())
	if got.State != StateCompleted || !got.Success || got.Message != "loaded 10" || got.LoadedCount != 5 || got.PercentComplete != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if st := r.Stats(); st.Succeeded != 1 || st.Failed != 0 {
		t.Fatalf("stats: %+v", st)
	}

	ran, err = r.RunOnce(ctx)
	if err != nil || ran {
		t.Fatalf("expected empty queue: ran=%v err=%v", ran, err)
	}
}

func TestRunner_HandlerFailureAndPanicCompleteUnsuccessfully(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()
	ctx := context.Background()
	failing := mustSubmit(t, s, Record{UserID: 1, Kind: "fail", Created: time.Unix(1, 0)})
	panicking := mustSubmit(t, s, Record{UserID: 1, Kind: "panic", Created: time.Unix(2, 0)})
	unknown := mustSubmit(t, s, Record{UserID: 1, Kind: "mystery", Created: time.Unix(3, 0)})

	r, err := NewRunner(RunnerConfig{Handlers: map[string]Handler{
		"fail": HandlerFunc(func(context.Context, Record, Progress) (string, error) {
			return "", errors.New("bad csv header")
		}),
		"panic": HandlerFunc(func(context.Context, Record, Progress) (string, error) {
			panic("boom")
		}),
	}}, s, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	for i := 0; i < 3; i++ {
		if ran, err := r.RunOnce(ctx); err != nil || !ran {
			t.Fatalf("RunOnce #%d: ran=%v err=%v", i, ran, err)
		}
	}

	for k, want := range map[Key]string{
		failing.Key():   "bad csv header",
		panicking.Key(): "jobs: handler panic: boom",
		unknown.Key():   `jobs: invalid job: no handler for kind "mystery"`,
	} {
		got, _ := s.Get(ctx, k)
		if got.State != StateCompleted || got.Success || got.Message != want {
			t.Fatalf("%s: unexpected record %+v", k, got)
		}
	}
	if st := r.Stats(); st.Failed != 3 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestRunner_RetractionDuringExecution(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()
	ctx := context.Background()
	job := mustSubmit(t, s, Record{UserID: 1, Kind: "import"})

	r, err := NewRunner(RunnerConfig{Handlers: map[string]Handler{
		"import": HandlerFunc(func(ctx context.Context, rec Record, progress Progress) (string, error) {
			// A user cancels the job while it runs.
			if _, err := s.UpdateState(ctx, rec.Key(), StateRetracted, StateExecuting); err != nil {
				return "", err
			}
			return "", progress(ctx, 0.1, 1)
		}),
	}}, s, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if ran, err := r.RunOnce(ctx); err != nil || !ran {
		t.Fatalf("RunOnce: ran=%v err=%v", ran, err)
	}
	got, _ := s.Get(ctx, job.Key())
	if got.State != StateRetracted {
		t.Fatalf("state: got %s want Retracted", got.State)
	}
	if st := r.Stats(); st.Abandoned != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

type flakyStore struct {
	Store
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) ClaimQueuedJob(ctx context.Context) (Record, bool, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return Record{}, false, &pgconn.PgError{Code: "40001"}
	}
	f.mu.Unlock()
	return f.Store.ClaimQueuedJob(ctx)
}

func TestRunner_RetriesTransientClaimErrors(t *testing.T) {
	t.Parallel()

	mem, _ := newTestStore()
	s := &flakyStore{Store: mem, fails: 2}
	mustSubmit(t, s, Record{UserID: 1, Kind: "import"})

	r, err := NewRunner(RunnerConfig{
		Handlers: map[string]Handler{"import": HandlerFunc(func(context.Context, Record, Progress) (string, error) { return "", nil })},
	}, s, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.cfg.Retry.Backoff = time.Millisecond

	if ran, err := r.RunOnce(context.Background()); err != nil || !ran {
		t.Fatalf("RunOnce: ran=%v err=%v", ran, err)
	}
}

func TestRunner_RunProcessesConcurrentlyWithGroupExclusion(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore()
	for i := 0; i < 6; i++ {
		mustSubmit(t, s, Record{UserID: 1, Kind: "import", GroupKey: "meter-1", Created: time.Unix(int64(i), 0)})
	}
	for i := 0; i < 6; i++ {
		mustSubmit(t, s, Record{UserID: 2, Kind: "import", Created: time.Unix(int64(i), 0)})
	}

	var (
		mu          sync.Mutex
		inGroup     int
		maxInGroup  int
		completions int
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := NewRunner(RunnerConfig{
		Workers:      4,
		PollInterval: time.Millisecond,
		Handlers: map[string]Handler{"import": HandlerFunc(func(ctx context.Context, rec Record, _ Progress) (string, error) {
			mu.Lock()
			if rec.GroupKey != "" {
				inGroup++
				if inGroup > maxInGroup {
					maxInGroup = inGroup
				}
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			if rec.GroupKey != "" {
				inGroup--
			}
			completions++
			if completions == 12 {
				cancel()
			}
			mu.Unlock()
			return "", nil
		})},
	}, s, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runner did not drain the queue")
	}

	if maxInGroup != 1 {
		t.Fatalf("group members ran concurrently: max=%d", maxInGroup)
	}
	if st := r.Stats(); st.Succeeded != 12 {
		t.Fatalf("stats: %+v", st)
	}
}
