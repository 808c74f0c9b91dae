package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
	"github.com/kirillkom/invoice-pipeline/internal/core/ports"
)

const defaultBuffer = 64

// Broker fans events out to in-process subscribers. Every subscriber owns a
// bounded queue; when it is full the oldest event is dropped so that Publish
// never waits on an observer.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	onDrop func(topic string)
}

type BrokerOption func(*Broker)

func WithDropHook(fn func(topic string)) BrokerOption {
	return func(b *Broker) {
		b.onDrop = fn
	}
}

func NewBroker(buffer int, opts ...BrokerOption) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b := &Broker{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type Subscription struct {
	broker *Broker
	ch     chan domain.Event
	mu     sync.Mutex
	closed bool
}

// C delivers events in publish order.
func (s *Subscription) C() <-chan domain.Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *Broker) Subscribe() *Subscription {
	sub := &Subscription{broker: b, ch: make(chan domain.Event, b.buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) Publish(_ context.Context, topic string, payload any) {
	ev := domain.Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.deliver(ev) {
			continue
		}
		if b.onDrop != nil {
			b.onDrop(topic)
		}
	}
}

// deliver reports false when an older event had to be dropped.
func (s *Subscription) deliver(ev domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	return false
}

// Multi publishes to every wrapped publisher in order.
type Multi []ports.EventPublisher

func (m Multi) Publish(ctx context.Context, topic string, payload any) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, topic, payload)
		}
	}
}

// Logging records every event at debug level.
type Logging struct {
	Logger *slog.Logger
}

func (l Logging) Publish(_ context.Context, topic string, payload any) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch p := payload.(type) {
	case domain.StatusEvent:
		logger.Debug("event.status",
			"job_id", p.JobID,
			"file_ref", p.FileRef,
			"status", string(p.Status.Status),
			"stage", string(p.Status.Stage),
		)
	case domain.BatchEvent:
		logger.Debug("event.batch",
			"job_id", p.JobID,
			"batch", p.BatchNumber,
			"total_batches", p.TotalBatches,
			"processed", len(p.Results),
			"failed", len(p.FailedURLs),
		)
	default:
		logger.Debug("event", "topic", topic)
	}
}
