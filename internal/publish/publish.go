// Package publish pushes freshly recomputed aggregates to downstream
// consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voltstream/telemetry-core/internal/datum"
	"github.com/voltstream/telemetry-core/internal/queue"
)

type Publisher interface {
	IsConfigured() bool
	// Publish reports whether the aggregate was sent. Kinds the publisher is
	// not interested in are skipped without error.
	Publish(ctx context.Context, agg datum.Aggregate, kind datum.Kind) (bool, error)
}

// Nop is a Publisher that is never configured.
type Nop struct{}

func (Nop) IsConfigured() bool { return false }

func (Nop) Publish(context.Context, datum.Aggregate, datum.Kind) (bool, error) { return false, nil }

// Snapshot is the wire form of a published aggregate.
type Snapshot struct {
	StreamID string             `json:"streamId"`
	ObjectID int64              `json:"objectId"`
	SourceID string             `json:"sourceId"`
	Kind     string             `json:"aggregation"`
	TsStart  int64              `json:"timestamp"`
	Count    int64              `json:"count"`
	Data     map[string]float64 `json:"data"`
}

func NewSnapshot(agg datum.Aggregate, kind datum.Kind) Snapshot {
	return Snapshot{
		StreamID: agg.StreamID.String(),
		ObjectID: agg.ObjectID,
		SourceID: agg.SourceID,
		Kind:     string(kind),
		TsStart:  agg.TsStart.UnixMilli(),
		Count:    agg.Count,
		Data:     agg.Data,
	}
}

// QueuePublisher writes aggregates to a queue topic keyed by stream id.
// Callers hand it only a stream's newest aggregate of a kind, so a compacted
// topic holds each stream's most recent snapshot.
type QueuePublisher struct {
	producer queue.Producer
	topic    string
	kinds    map[datum.Kind]bool
}

// NewQueuePublisher returns an unconfigured publisher when producer is nil
// or topic is empty. An empty kinds list publishes every kind.
func NewQueuePublisher(producer queue.Producer, topic string, kinds []datum.Kind) *QueuePublisher {
	p := &QueuePublisher{
		producer: producer,
		topic:    strings.TrimSpace(topic),
		kinds:    make(map[datum.Kind]bool, len(kinds)),
	}
	for _, k := range kinds {
		p.kinds[k] = true
	}
	return p
}

func (p *QueuePublisher) IsConfigured() bool {
	return p != nil && p.producer != nil && p.topic != ""
}

func (p *QueuePublisher) Publish(ctx context.Context, agg datum.Aggregate, kind datum.Kind) (bool, error) {
	if !p.IsConfigured() {
		return false, nil
	}
	if len(p.kinds) > 0 && !p.kinds[kind] {
		return false, nil
	}
	payload, err := json.Marshal(NewSnapshot(agg, kind))
	if err != nil {
		return false, fmt.Errorf("publish: encode aggregate: %w", err)
	}
	if err := p.producer.Publish(ctx, p.topic, []byte(agg.StreamID.String()), payload); err != nil {
		return false, fmt.Errorf("publish: %s %s: %w", agg.StreamID, kind, err)
	}
	return true, nil
}
