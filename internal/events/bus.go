// Package events distributes freeze state notifications to in-process
// subscribers and to admin clients connected over WebSocket.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/repovault/repovault/internal/freeze"
	"github.com/rs/zerolog/log"
)

// Event wraps a freeze state change with a unique ID.
type Event struct {
	ID     string              `json:"id"`
	Type   string              `json:"type"`
	Freeze freeze.StateChanged `json:"freeze"`
}

// EventFreezeStateChanged is the Type of every event published by the Bus.
const EventFreezeStateChanged = "freeze_state_changed"

// Handler receives events. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(ctx context.Context, ev Event)

// Bus is a synchronous freeze.Sink that fans events out to subscribers in
// subscription order.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	order    []int
	last     *Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.order = append(b.order, id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.handlers[id]; !ok {
			return
		}
		delete(b.handlers, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish implements freeze.Sink.
func (b *Bus) Publish(ctx context.Context, change freeze.StateChanged) {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	ev := Event{
		ID:     uuid.NewString(),
		Type:   EventFreezeStateChanged,
		Freeze: change,
	}

	b.mu.Lock()
	b.last = &ev
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.Unlock()

	log.Debug().
		Str("event_id", ev.ID).
		Bool("frozen", change.Frozen).
		Int("subscribers", len(handlers)).
		Msg("publishing freeze state change")

	for _, h := range handlers {
		h(ctx, ev)
	}
}

// Last returns the most recently published event, if any.
func (b *Bus) Last() (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.last == nil {
		return Event{}, false
	}
	return *b.last, true
}

// SubscriberCount returns the number of registered handlers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
