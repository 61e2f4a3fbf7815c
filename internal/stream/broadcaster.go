// Package stream pushes change events to live WebSocket clients.
//
// The Broadcaster is an agent.Sink: every recorded event is encoded once and
// handed to each subscriber with a non-blocking send, so a slow client loses
// messages instead of stalling the agent.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tripwire/fwatch/internal/agent"
)

const defaultBufSize = 64

// Message is the JSON envelope written to clients.
type Message struct {
	Type string            `json:"type"`
	Data agent.ChangeEvent `json:"data"`
}

// Subscriber is one registered consumer of the stream.
type Subscriber struct {
	id      string
	send    chan []byte
	dropped atomic.Int64
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// Messages returns the channel of encoded messages. It is closed when the
// subscriber is removed or the Broadcaster is closed.
func (s *Subscriber) Messages() <-chan []byte { return s.send }

// Dropped returns how many messages were discarded because the buffer was
// full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Broadcaster fans change events out to subscribers. It is safe for
// concurrent use.
type Broadcaster struct {
	logger  *slog.Logger
	bufSize int

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool
}

// NewBroadcaster creates a Broadcaster whose subscribers buffer bufSize
// messages. bufSize <= 0 uses 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &Broadcaster{
		logger:  logger,
		bufSize: bufSize,
		subs:    make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber. After Close it returns a subscriber
// whose channel is already closed.
func (b *Broadcaster) Subscribe() *Subscriber {
	s := &Subscriber{id: uuid.NewString(), send: make(chan []byte, b.bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.send)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Unsubscribe removes the subscriber with id and closes its channel. Unknown
// IDs are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.send)
	}
}

// Count returns the number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Record delivers evt to every subscriber. It implements agent.Sink.
func (b *Broadcaster) Record(_ context.Context, evt agent.ChangeEvent) error {
	raw, err := json.Marshal(Message{Type: "change", Data: evt})
	if err != nil {
		return fmt.Errorf("stream: marshal event %s: %w", evt.ID, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, s := range b.subs {
		select {
		case s.send <- raw:
		default:
			s.dropped.Add(1)
			b.logger.Warn("stream: subscriber buffer full, dropping event",
				slog.String("subscriber", s.id),
				slog.String("event_id", evt.ID),
			)
		}
	}
	return nil
}

// Close closes every subscriber channel. Later Record calls are no-ops. It
// implements agent.Sink.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.send)
	}
	return nil
}
