package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultBuffer is the per-subscriber queue length used when Subscribe is
// given a non-positive buffer.
const DefaultBuffer = 64

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// Bus is a bounded publish-subscribe bus. Every subscriber owns a buffered
// queue drained by its own goroutine. Publish never blocks: when a queue is
// full the event is dropped for that subscriber and counted, so the packet
// loop is never held up by a slow consumer.
type Bus struct {
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	handlers map[EventType][]*subscription
	stopped  bool
	wg       sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
}

type subscription struct {
	name    string
	handler HandlerFunc
	queue   chan Event
	done    chan struct{}
	dropped atomic.Uint64
}

// NewBus creates a new Bus.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[EventType][]*subscription),
	}
}

// Subscribe registers a handler for a specific event type with a queue of
// the given length. The name is used for logging and Unsubscribe.
func (b *Bus) Subscribe(eventType EventType, name string, buffer int, handler HandlerFunc) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscription{
		name:    name,
		handler: handler,
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.handlers[eventType] = append(b.handlers[eventType], sub)

	b.wg.Add(1)
	go b.drain(eventType, sub)

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Int("buffer", buffer).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from a specific event type. Events
// already queued for it are discarded.
func (b *Bus) Unsubscribe(eventType EventType, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, exists := b.handlers[eventType]
	if !exists {
		return
	}
	filtered := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s.name == name {
			close(s.done)
			continue
		}
		filtered = append(filtered, s)
	}
	b.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Publish queues event for every subscriber of its type. It reports the
// number of subscribers that accepted it.
func (b *Bus) Publish(event Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return 0
	}
	b.published.Add(1)

	accepted := 0
	for _, s := range b.handlers[event.Type] {
		select {
		case s.queue <- event:
			accepted++
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			log.Trace().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Msg("subscriber queue full, event dropped")
		}
	}
	return accepted
}

func (b *Bus) drain(eventType EventType, s *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-s.done:
			return
		case event := <-s.queue:
			b.handle(s, event)
		}
	}
}

func (b *Bus) handle(s *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := s.handler(b.ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", s.name).
			Msg("handler returned error")
	}
}

// Stop stops accepting events, cancels in-flight handlers and waits for
// the subscriber goroutines to exit. Queued events are discarded.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.cancel()
	b.mu.Unlock()

	b.wg.Wait()
	log.Info().
		Uint64("published", b.published.Load()).
		Uint64("dropped", b.dropped.Load()).
		Msg("event bus stopped")
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (b *Bus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Dropped returns the total number of events dropped on full queues.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// DroppedFor returns the drops for one named subscriber.
func (b *Bus) DroppedFor(eventType EventType, name string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, s := range b.handlers[eventType] {
		if s.name == name {
			n += s.dropped.Load()
		}
	}
	return n
}
