// Package bus provides the explicit publish/subscribe channel carrying
// coordination lifecycle events from producers (session manager, lock
// manager, gate runner) to subscribers (metrics aggregator, event log).
// Events are advisory: publishing never blocks producers, and a full queue
// drops with a warning rather than stalling coordination.
package bus

import (
	"context"
	"sync"

	"coordinator/pkg/logx"
	"coordinator/pkg/proto"
)

// Subscriber receives every published event. Handlers run on the bus
// dispatch goroutine and must not block.
type Subscriber func(ev *proto.Event)

// Bus owns the event channel and its dispatch worker.
type Bus struct {
	inputCh  chan *proto.Event
	shutdown chan struct{}
	logger   *logx.Logger
	subs     []Subscriber
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool
}

// New creates a bus with the given queue capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		inputCh:  make(chan *proto.Event, capacity),
		shutdown: make(chan struct{}),
		logger:   logx.NewLogger("bus"),
	}
}

// Subscribe registers a handler for all events. Subscriptions made after
// Start still receive subsequent events.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Publish enqueues an event without blocking. Events offered to a full
// queue are dropped with a warning.
func (b *Bus) Publish(ev *proto.Event) {
	select {
	case b.inputCh <- ev:
	default:
		b.logger.Warn("Event queue full, dropping %s event %s", ev.Type, ev.ID)
	}
}

// Start launches the dispatch worker.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(ctx)
}

func (b *Bus) dispatch(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.shutdown:
			// Drain whatever is already queued before stopping.
			for {
				select {
				case ev := <-b.inputCh:
					b.deliver(ev)
				default:
					return
				}
			}
		case ev := <-b.inputCh:
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev *proto.Event) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(ev)
	}
}

// Stop signals the worker to drain and exit, then waits for it.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.shutdown)
	b.wg.Wait()
}

// QueueDepth returns the number of undelivered events.
func (b *Bus) QueueDepth() int {
	return len(b.inputCh)
}
