// Package datum is the minimal telemetry model the background core moves
// around: raw readings per stream and the hour/day/month aggregates rolled
// up from them.
package datum

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voltstream/telemetry-core/internal/txscope"
)

var (
	ErrInvalidDatum = errors.New("datum: invalid datum")
	ErrInvalidKind  = errors.New("datum: invalid aggregation kind")
)

// Kind is an aggregation period, persisted as a single character.
type Kind string

const (
	KindHour  Kind = "h"
	KindDay   Kind = "d"
	KindMonth Kind = "M"
)

// Kinds lists every aggregation kind, finest first.
var Kinds = []Kind{KindHour, KindDay, KindMonth}

var kindNames = map[Kind]string{
	KindHour:  "Hour",
	KindDay:   "Day",
	KindMonth: "Month",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%q)", string(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind accepts the persisted code or the name, case-insensitively for
// names.
func ParseKind(v string) (Kind, error) {
	v = strings.TrimSpace(v)
	if k := Kind(v); k.Valid() {
		return k, nil
	}
	for k, name := range kindNames {
		if strings.EqualFold(name, v) {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, v)
}

// Truncate returns the start of the period containing ts, in UTC.
func (k Kind) Truncate(ts time.Time) time.Time {
	ts = ts.UTC()
	switch k {
	case KindHour:
		return ts.Truncate(time.Hour)
	case KindDay:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case KindMonth:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return ts
}

// Next returns the start of the period after the one starting at start.
func (k Kind) Next(start time.Time) time.Time {
	switch k {
	case KindHour:
		return start.Add(time.Hour)
	case KindDay:
		return start.AddDate(0, 0, 1)
	case KindMonth:
		return start.AddDate(0, 1, 0)
	}
	return start
}

// Parent is the next coarser kind, if any.
func (k Kind) Parent() (Kind, bool) {
	switch k {
	case KindHour:
		return KindDay, true
	case KindDay:
		return KindMonth, true
	}
	return "", false
}

// Child is the next finer kind, if any.
func (k Kind) Child() (Kind, bool) {
	switch k {
	case KindDay:
		return KindHour, true
	case KindMonth:
		return KindDay, true
	}
	return "", false
}

// Datum is one raw reading of a stream.
type Datum struct {
	StreamID  uuid.UUID
	Timestamp time.Time
	Samples   map[string]float64
}

func (d Datum) Validate() error {
	if d.StreamID == uuid.Nil {
		return fmt.Errorf("%w: missing stream id", ErrInvalidDatum)
	}
	if d.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidDatum)
	}
	if len(d.Samples) == 0 {
		return fmt.Errorf("%w: no samples", ErrInvalidDatum)
	}
	return nil
}

// Stream identifies the owner of a stream of readings.
type Stream struct {
	StreamID uuid.UUID
	ObjectID int64
	SourceID string
}

// Aggregate is the rolled-up value of one stream over one period.
type Aggregate struct {
	StreamID uuid.UUID
	ObjectID int64
	SourceID string
	Kind     Kind
	TsStart  time.Time
	// Count is the number of raw readings the aggregate covers.
	Count int64
	// Data holds the count-weighted average of every sample property.
	Data map[string]float64
}

// Aggregator recomputes a stored aggregate from its source rows inside the
// caller's transaction. Ok is false when no source rows remain, in which
// case any stored aggregate has been removed.
type Aggregator interface {
	Recompute(ctx context.Context, q txscope.Querier, streamID uuid.UUID, kind Kind, tsStart time.Time) (Aggregate, bool, error)
	// Latest returns the stream's newest stored aggregate of kind.
	Latest(ctx context.Context, q txscope.Querier, streamID uuid.UUID, kind Kind) (Aggregate, bool, error)
}
