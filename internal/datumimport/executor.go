package datumimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/voltstream/telemetry-core/internal/blobstore"
	"github.com/voltstream/telemetry-core/internal/bulkload"
	"github.com/voltstream/telemetry-core/internal/datum"
	"github.com/voltstream/telemetry-core/internal/jobs"
	"github.com/voltstream/telemetry-core/internal/txscope"
)

const statementName = "datum_import"

// StreamResolver maps an object and source to its stream, registering the
// stream on first sight.
type StreamResolver interface {
	EnsureStream(ctx context.Context, objectID int64, sourceID string) (datum.Stream, error)
}

type ExecutorConfig struct {
	Blobs   blobstore.Store
	Pool    txscope.Pool
	Streams StreamResolver
	// SQL and Write are the raw datum insert statement and its binder.
	SQL   string
	Write bulkload.WriteFunc[datum.Datum]
	// DeleteInput removes the input object after a successful import.
	DeleteInput bool
}

// Executor is the jobs.Handler for Kind.
//
// A failing row ends the import. What was loaded before it survives
// according to the mode: nothing in single mode, committed batches in batch
// mode, everything up to the last checkpoint in checkpoint mode, and every
// earlier row without a transaction.
type Executor struct {
	cfg ExecutorConfig
	log *slog.Logger
}

var _ jobs.Handler = (*Executor)(nil)

func NewExecutor(cfg ExecutorConfig, log *slog.Logger) (*Executor, error) {
	if cfg.Blobs == nil || cfg.Pool == nil || cfg.Streams == nil {
		return nil, fmt.Errorf("%w: blob store, pool and stream resolver are required", ErrInvalidConfig)
	}
	if cfg.SQL == "" || cfg.Write == nil {
		return nil, fmt.Errorf("%w: insert statement and write func are required", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{cfg: cfg, log: log}, nil
}

type streamKey struct {
	objectID int64
	sourceID string
}

func (e *Executor) Execute(ctx context.Context, job jobs.Record, progress jobs.Progress) (string, error) {
	cfg, err := ParseConfig(job.Config)
	if err != nil {
		return "", err
	}
	log := e.log.With("job", job.Key().String(), "input", cfg.InputKey, "mode", cfg.Mode)

	rc, info, err := e.cfg.Blobs.Open(ctx, cfg.InputKey)
	if err != nil {
		return "", fmt.Errorf("datumimport: open input: %w", err)
	}
	defer func() { _ = rc.Close() }()

	rows, err := newRowReader(cfg.Format, rc)
	if err != nil {
		return "", err
	}

	s, err := bulkload.Open(e.cfg.Pool, bulkload.Config[datum.Datum]{
		Mode:          cfg.Mode,
		BatchSize:     cfg.BatchSize,
		StatementName: statementName,
		SQL:           e.cfg.SQL,
		Write:         e.cfg.Write,
	}, log)
	if err != nil {
		return "", err
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()

	if cfg.Mode == bulkload.TransactionCheckpoints {
		if err := s.CreateCheckpoint(ctx); err != nil {
			return "", err
		}
	}

	streams := make(map[streamKey]uuid.UUID)
	for {
		r, err := rows.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			err = e.load(ctx, s, streams, r)
		}
		if err != nil {
			return "", e.abort(ctx, log, s, err)
		}

		n := s.NumLoaded()
		if n%int64(cfg.BatchSize) != 0 {
			continue
		}
		if cfg.Mode == bulkload.TransactionCheckpoints {
			if err := s.CreateCheckpoint(ctx); err != nil {
				return "", err
			}
		}
		if err := progress(ctx, fraction(rows.offset(), info.Size), n); err != nil {
			return "", err
		}
	}

	if err := s.Commit(ctx); err != nil {
		return "", err
	}
	loaded := s.NumCommitted()
	if err := progress(ctx, 1, loaded); err != nil {
		return "", err
	}
	log.Info("datum import loaded", "rows", loaded, "commits", s.Commits())

	if e.cfg.DeleteInput {
		if err := e.cfg.Blobs.Delete(ctx, cfg.InputKey); err != nil {
			log.Warn("delete import input", "err", err)
		}
	}
	return fmt.Sprintf("loaded %d rows", loaded), nil
}

func (e *Executor) load(ctx context.Context, s *bulkload.Session[datum.Datum], streams map[streamKey]uuid.UUID, r row) error {
	if r.objectID <= 0 || r.sourceID == "" {
		return rowErr(r.num, "objectId and sourceId are required")
	}
	k := streamKey{objectID: r.objectID, sourceID: r.sourceID}
	id, ok := streams[k]
	if !ok {
		st, err := e.cfg.Streams.EnsureStream(ctx, r.objectID, r.sourceID)
		if err != nil {
			return fmt.Errorf("datumimport: row %d: %w", r.num, err)
		}
		id = st.StreamID
		streams[k] = id
	}
	d := datum.Datum{StreamID: id, Timestamp: r.ts, Samples: r.samples}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("datumimport: row %d: %w", r.num, err)
	}
	if err := s.Load(ctx, d); err != nil {
		return fmt.Errorf("datumimport: row %d: %w", r.num, err)
	}
	return nil
}

// abort rolls back to the last durable point, keeps what the mode allows and
// returns cause annotated with how much was kept.
func (e *Executor) abort(ctx context.Context, log *slog.Logger, s *bulkload.Session[datum.Datum], cause error) error {
	if err := s.Rollback(ctx); err != nil {
		log.Error("import rollback failed", "err", err)
		return errors.Join(cause, err)
	}
	if err := s.Commit(ctx); err != nil {
		log.Error("import commit after rollback failed", "err", err)
		return errors.Join(cause, err)
	}
	kept := s.NumCommitted()
	log.Warn("datum import failed", "kept", kept, "err", cause)
	return fmt.Errorf("%w (kept %d rows)", cause, kept)
}

// fraction estimates progress from bytes read; it stays below 1 until the
// import commits.
func fraction(read, size int64) float64 {
	if size <= 0 || read <= 0 {
		return 0
	}
	f := float64(read) / float64(size)
	if f > 0.99 {
		f = 0.99
	}
	return f
}
