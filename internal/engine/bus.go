package engine

import (
	"context"
	"sync"

	"bufferengine/internal/events"
)

// eventBus fans every Scheduler's events out to any number of subscribers:
// the engine-level generalization of the teacher's single resultsChan, with
// one buffered channel per listener instead of one shared channel drained
// by a single goroutine.
type eventBus struct {
	mu          sync.Mutex
	subscribers map[chan events.Event]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subscribers: make(map[chan events.Event]struct{})}
}

// publish delivers ev to every current subscriber. A slow listener drops
// the event rather than stalling the engine's event-draining goroutine;
// Scheduler.Events() itself never drops (see Scheduler.emit), only this
// fan-out leg does.
func (b *eventBus) publish(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe registers a new listener, returning its channel and an
// idempotent unsubscribe func. The channel is also closed and removed when
// ctx is done, so a caller that only cancels its context doesn't leak the
// registration.
func (b *eventBus) subscribe(ctx context.Context) (<-chan events.Event, func()) {
	ch := make(chan events.Event, 32)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
		})
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return ch, unsubscribe
}
