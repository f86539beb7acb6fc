package datumimport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voltstream/telemetry-core/internal/jobs"
	"github.com/voltstream/telemetry-core/internal/queue"
)

var ErrInvalidRequest = errors.New("datumimport: invalid request")

// Request asks for an import job. Resending a request with the same ID is
// a no-op.
type Request struct {
	UserID int64     `json:"userId"`
	ID     uuid.UUID `json:"id"`
	// GroupKey serializes imports sharing it. It defaults to one group per
	// user so a user's imports never load concurrently.
	GroupKey string `json:"groupKey,omitempty"`
	Config   Config `json:"config"`
}

// DefaultGroupKey is the group a user's imports share unless the request
// names another.
func DefaultGroupKey(userID int64) string {
	return Kind + "/" + strconv.FormatInt(userID, 10)
}

// Record validates the request and returns the job to submit.
func (r Request) Record() (jobs.Record, error) {
	if r.UserID <= 0 {
		return jobs.Record{}, fmt.Errorf("%w: userId must be > 0", ErrInvalidRequest)
	}
	cfg, err := r.Config.Normalize()
	if err != nil {
		return jobs.Record{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return jobs.Record{}, fmt.Errorf("%w: encode config: %v", ErrInvalidRequest, err)
	}
	group := strings.TrimSpace(r.GroupKey)
	if group == "" {
		group = DefaultGroupKey(r.UserID)
	}
	return jobs.Record{
		UserID:   r.UserID,
		ID:       r.ID,
		Kind:     Kind,
		GroupKey: group,
		Config:   raw,
	}, nil
}

// DecodeRequest parses a queued request.
func DecodeRequest(b []byte) (Request, error) {
	var r Request
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return r, nil
}

// Intake submits import jobs for requests read from a queue.
type Intake struct {
	store jobs.Store
	log   *slog.Logger
}

func NewIntake(store jobs.Store, log *slog.Logger) (*Intake, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil job store", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Intake{store: store, log: log}, nil
}

// Submit turns one request payload into a Queued job. A duplicate of an
// already submitted request returns the existing job.
func (in *Intake) Submit(ctx context.Context, payload []byte) (jobs.Record, error) {
	req, err := DecodeRequest(payload)
	if err != nil {
		return jobs.Record{}, err
	}
	rec, err := req.Record()
	if err != nil {
		return jobs.Record{}, err
	}
	out, err := in.store.Submit(ctx, rec)
	if errors.Is(err, jobs.ErrAlreadyExists) {
		return in.store.Get(ctx, rec.Key())
	}
	if err != nil {
		return jobs.Record{}, err
	}
	in.log.Info("import job submitted", "job", out.Key().String(), "input", req.Config.InputKey)
	return out, nil
}

// Run consumes requests until ctx is done or the consumer closes. Invalid
// requests are logged and acknowledged; a request whose submission fails
// is left unacknowledged so it is redelivered.
func (in *Intake) Run(ctx context.Context, consumer queue.Consumer) error {
	if consumer == nil {
		return fmt.Errorf("%w: nil consumer", ErrInvalidConfig)
	}
	msgs := consumer.Messages()
	errs := consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			in.log.Error("import request consumer error", "err", err)
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			in.handle(ctx, msg)
		}
	}
}

func (in *Intake) handle(ctx context.Context, msg queue.Message) {
	_, err := in.Submit(ctx, msg.Value)
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, jobs.ErrInvalidJob):
		in.log.Warn("dropping invalid import request", "topic", msg.Topic, "err", err)
	case err != nil:
		in.log.Error("submit import job", "topic", msg.Topic, "err", err)
		return
	}
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := msg.Ack(ackCtx); err != nil {
		in.log.Error("ack import request", "topic", msg.Topic, "err", err)
	}
}
