// Package events fans domain events out to registered acceptors.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/voltstream/telemetry-core/internal/queue"
)

var ErrInvalidConfig = errors.New("events: invalid config")

// Event is a topic, a tag set and a JSON-serialisable property bag.
type Event struct {
	Topic      string         `json:"topic"`
	Tags       []string       `json:"tags,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type Acceptor interface {
	Offer(ctx context.Context, e Event) error
}

type AcceptorFunc func(ctx context.Context, e Event) error

func (f AcceptorFunc) Offer(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Hub delivers every event to every registered acceptor. A failing or
// panicking acceptor is logged and does not stop delivery to the rest.
type Hub struct {
	mu        sync.RWMutex
	acceptors []Acceptor
	log       *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log}
}

func (h *Hub) Register(a Acceptor) {
	if a == nil {
		return
	}
	h.mu.Lock()
	h.acceptors = append(h.acceptors, a)
	h.mu.Unlock()
}

// Len returns the number of registered acceptors.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.acceptors)
}

// Offer returns how many acceptors took the event.
func (h *Hub) Offer(ctx context.Context, e Event) int {
	h.mu.RLock()
	acceptors := append([]Acceptor(nil), h.acceptors...)
	h.mu.RUnlock()

	n := 0
	for i, a := range acceptors {
		if err := offer(ctx, a, e); err != nil {
			h.log.Warn("event acceptor failed", "topic", e.Topic, "acceptor", i, "err", err)
			continue
		}
		n++
	}
	return n
}

func offer(ctx context.Context, a Acceptor, e Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("events: acceptor panic: %v", p)
		}
	}()
	return a.Offer(ctx, e)
}

// QueueAcceptor publishes events as JSON onto a queue topic. Messages are
// keyed by KeyProperty when the event carries it as a string.
type QueueAcceptor struct {
	producer    queue.Producer
	topic       string
	keyProperty string
}

func NewQueueAcceptor(producer queue.Producer, topic, keyProperty string) (*QueueAcceptor, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	return &QueueAcceptor{producer: producer, topic: topic, keyProperty: keyProperty}, nil
}

func (a *QueueAcceptor) Offer(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.Topic, err)
	}
	var key []byte
	if v, ok := e.Properties[a.keyProperty].(string); ok && a.keyProperty != "" {
		key = []byte(v)
	}
	if err := a.producer.Publish(ctx, a.topic, key, payload); err != nil {
		return fmt.Errorf("events: publish %s: %w", e.Topic, err)
	}
	return nil
}
