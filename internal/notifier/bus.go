// Package notifier fans parameter change events out to subscribers without
// ever blocking the write path that produced them.
package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brikpay/refund-params/internal/model"
)

// Publisher is what the resolution engine emits events through.
type Publisher interface {
	Publish(ev model.ParameterEvent)
}

// Handler consumes one event. Errors are logged; the event is not retried.
type Handler func(ctx context.Context, ev model.ParameterEvent) error

type subscription struct {
	name    string
	types   map[model.EventType]struct{}
	ch      chan model.ParameterEvent
	handler Handler
	dropped atomic.Uint64
}

func (s *subscription) wants(t model.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus delivers each event to every matching subscriber through that
// subscriber's own buffered channel and goroutine. A full buffer drops the
// event for that subscriber only.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	wg      sync.WaitGroup
	timeout time.Duration
}

func NewBus(handlerTimeout time.Duration) *Bus {
	if handlerTimeout <= 0 {
		handlerTimeout = 10 * time.Second
	}
	return &Bus{timeout: handlerTimeout}
}

// Subscribe registers a handler for the given event types, or for all types
// when none are given.
func (b *Bus) Subscribe(name string, buffer int, h Handler, types ...model.EventType) {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &subscription{
		name:    name,
		types:   make(map[model.EventType]struct{}, len(types)),
		ch:      make(chan model.ParameterEvent, buffer),
		handler: h,
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go b.run(sub)
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.ch {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		if err := sub.handler(ctx, ev); err != nil {
			log.Error().Err(err).
				Str("subscriber", sub.name).
				Str("event_id", ev.ID).
				Str("event_type", string(ev.Type)).
				Msg("event handler failed")
		}
		cancel()
	}
}

func (b *Bus) Publish(ev model.ParameterEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			log.Warn().
				Str("subscriber", sub.name).
				Str("event_id", ev.ID).
				Str("parameter", ev.ParameterName).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// Dropped returns how many events a subscriber has lost to a full buffer.
func (b *Bus) Dropped(name string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, sub := range b.subs {
		if sub.name == name {
			n += sub.dropped.Load()
		}
	}
	return n
}

// Close stops accepting events and waits for subscribers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(model.ParameterEvent) {}
