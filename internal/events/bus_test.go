package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDelivers(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	got := make(chan Event, 4)
	bus.Subscribe(EventSnapshot, "test", 4, func(_ context.Context, e Event) error {
		got <- e
		return nil
	})
	require.Equal(t, 1, bus.HandlerCount(EventSnapshot))

	assert.Equal(t, 1, bus.Publish(Event{Type: EventSnapshot, Source: "engine", Payload: 7}))
	assert.Equal(t, 0, bus.Publish(Event{Type: EventShutdown}))

	select {
	case e := <-got:
		assert.Equal(t, 7, e.Payload)
		assert.Equal(t, "engine", e.Source)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	bus.Subscribe(EventSnapshot, "slow", 1, func(ctx context.Context, _ Event) error {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	bus.Publish(Event{Type: EventSnapshot})
	<-started

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: EventSnapshot})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}

	// One event fits in the queue, the rest are dropped.
	assert.Equal(t, uint64(9), bus.Dropped())
	assert.Equal(t, uint64(9), bus.DroppedFor(EventSnapshot, "slow"))
	close(release)
}

func TestHandlerErrorsAndPanicsAreContained(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	var mu sync.Mutex
	calls := 0
	bus.Subscribe(EventZoneChanged, "flaky", 8, func(_ context.Context, e Event) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
		return errors.New("nope")
	})

	bus.Publish(Event{Type: EventZoneChanged})
	bus.Publish(Event{Type: EventZoneChanged})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(EventSnapshot, "a", 1, func(context.Context, Event) error { return nil })
	bus.Subscribe(EventSnapshot, "b", 1, func(context.Context, Event) error { return nil })
	bus.Unsubscribe(EventSnapshot, "a")
	assert.Equal(t, 1, bus.HandlerCount(EventSnapshot))

	bus.Stop()
	bus.Stop()
	assert.Equal(t, 0, bus.Publish(Event{Type: EventSnapshot}))
}
