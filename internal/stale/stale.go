// Package stale drains stale aggregate markers. Writes to raw data leave a
// marker per affected (stream, kind, period); the Processor locks markers
// one at a time, recomputes the aggregate, deletes the marker and commits,
// with several workers draining in parallel. The row lock taken by
// Store.LockNext is the only thing keeping two workers off the same marker.
package stale

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/voltstream/telemetry-core/internal/datum"
	"github.com/voltstream/telemetry-core/internal/events"
	"github.com/voltstream/telemetry-core/internal/txscope"
)

var ErrInvalidConfig = errors.New("stale: invalid config")

// AggregateUpdatedTopic is the event topic for recomputed aggregates.
const AggregateUpdatedTopic = "datum/agg/update"

// Marker flags one aggregate period as needing recomputation.
type Marker struct {
	StreamID uuid.UUID
	Kind     datum.Kind
	TsStart  time.Time
	Created  time.Time
}

// Store reads and writes markers inside the caller's transaction.
type Store interface {
	// LockNext locks the oldest marker of one of kinds until q's
	// transaction ends, skipping markers other transactions hold.
	LockNext(ctx context.Context, q txscope.Querier, kinds []datum.Kind) (Marker, bool, error)
	Delete(ctx context.Context, q txscope.Querier, m Marker) error
	// Mark inserts a marker unless an equal one is already pending.
	Mark(ctx context.Context, q txscope.Querier, m Marker) error
}

// AggregateEvent builds the event emitted after agg is recomputed. The
// identifying fields appear both as top-level properties and, compacted,
// as the JSON string in "data".
func AggregateEvent(agg datum.Aggregate) events.Event {
	props := map[string]any{
		"aggregationKey": string(agg.Kind),
		"timestamp":      agg.TsStart.UnixMilli(),
		"streamId":       agg.StreamID.String(),
		"objectId":       agg.ObjectID,
		"sourceId":       agg.SourceID,
	}
	// Marshalling a map of strings and integers cannot fail.
	data, _ := json.Marshal(props)
	props["data"] = string(data)
	return events.Event{
		Topic:      AggregateUpdatedTopic,
		Tags:       []string{"datum", "aggregate"},
		Properties: props,
	}
}
