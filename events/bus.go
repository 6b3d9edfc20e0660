// Package events provides a typed publish/subscribe bus. Each event
// category gets its own Bus so dispatch is checked at compile time
// instead of fanning out on string event names.
package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultBuffer = 16

// Bus fans events of one type out to subscriber channels. Publish
// never blocks: a subscriber that stops draining loses events, with a
// warning logged, rather than stalling the producer.
type Bus[T any] struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]chan T
	buffer int
	closed bool
}

// NewBus creates a bus whose subscriber channels buffer up to buffer
// events (defaultBuffer if <= 0).
func NewBus[T any](logger zerolog.Logger, buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus[T]{
		logger: logger,
		subs:   make(map[string]chan T),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber and returns its handle and
// channel. The channel is closed on Unsubscribe or bus Close.
func (b *Bus[T]) Subscribe() (string, <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown
// handles are ignored.
func (b *Bus[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn().Str("subscriber", id).Msg("event channel full, dropping event")
		}
	}
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
