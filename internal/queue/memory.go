package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryConsumer delivers messages handed to Send and records which of them
// were acknowledged.
type MemoryConsumer struct {
	msgCh chan Message
	errCh chan error

	mu     sync.Mutex
	acked  [][]byte
	closed bool
}

func NewMemoryConsumer(buffer int) *MemoryConsumer {
	return &MemoryConsumer{
		msgCh: make(chan Message, buffer),
		errCh: make(chan error, 1),
	}
}

// Send enqueues value on topic. It blocks while the buffer is full.
func (c *MemoryConsumer) Send(topic string, value []byte) {
	v := append([]byte(nil), value...)
	c.msgCh <- Message{
		Topic:     topic,
		Value:     v,
		Timestamp: time.Now().UTC(),
		ackFn: func(context.Context) error {
			c.mu.Lock()
			c.acked = append(c.acked, v)
			c.mu.Unlock()
			return nil
		},
	}
}

// Fail delivers err on the error channel.
func (c *MemoryConsumer) Fail(err error) {
	c.errCh <- err
}

// Acked returns the values acknowledged so far, in ack order.
func (c *MemoryConsumer) Acked() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.acked...)
}

func (c *MemoryConsumer) Messages() <-chan Message { return c.msgCh }
func (c *MemoryConsumer) Errors() <-chan error     { return c.errCh }

// Close ends delivery; Send must not be called afterwards.
func (c *MemoryConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.msgCh)
	}
	return nil
}

// MemoryProducer keeps published messages in memory. It is safe for
// concurrent use.
type MemoryProducer struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
	// Err, when set, fails every Publish.
	Err error
}

func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{}
}

func (p *MemoryProducer) Publish(_ context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.Err != nil {
		return p.Err
	}
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	p.msgs = append(p.msgs, Message{
		Topic:     topic,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// Published returns the messages published to topic, or all messages when
// topic is empty.
func (p *MemoryProducer) Published(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Message
	for _, m := range p.msgs {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (p *MemoryProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
