package bus

import (
	"sync"

	"github.com/petal-labs/canvasbridge/execution"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory EventBus. Slow subscribers lose events rather than
// stall the execution bridge.
type MemBus struct {
	mu      sync.RWMutex
	runs    map[string]map[*memSub]struct{}
	global  map[*memSub]struct{}
	bufSize int
	closed  bool
}

// NewMemBus creates an in-memory event bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		runs:    make(map[string]map[*memSub]struct{}),
		global:  make(map[*memSub]struct{}),
		bufSize: bufSize,
	}
}

// Publish delivers event to its run's subscribers and to global
// subscribers. Publishing on a closed bus is a no-op.
func (b *MemBus) Publish(event execution.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.runs[event.RunID] {
		sub.send(event)
	}
	for sub := range b.global {
		sub.send(event)
	}
}

// Handler returns an EventHandler publishing to the bus.
func (b *MemBus) Handler() execution.EventHandler {
	return b.Publish
}

// Subscribe registers a subscriber for one run.
func (b *MemBus) Subscribe(runID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.newSub(runID, false)
	if b.runs[runID] == nil {
		b.runs[runID] = make(map[*memSub]struct{})
	}
	b.runs[runID][sub] = struct{}{}
	return sub
}

// SubscribeAll registers a subscriber for every run.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.newSub("", true)
	b.global[sub] = struct{}{}
	return sub
}

func (b *MemBus) newSub(runID string, global bool) *memSub {
	sub := &memSub{bus: b, runID: runID, global: global, ch: make(chan execution.Event, b.bufSize)}
	if b.closed {
		sub.closeChan()
	}
	return sub
}

// SubscriberCount returns the number of open subscriptions for a run,
// excluding global subscribers.
func (b *MemBus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.runs[runID])
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.runs {
		for sub := range subs {
			sub.closeChan()
		}
	}
	for sub := range b.global {
		sub.closeChan()
	}
	b.runs = make(map[string]map[*memSub]struct{})
	b.global = make(map[*memSub]struct{})
	return nil
}

func (b *MemBus) detach(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.global {
		delete(b.global, sub)
		return
	}
	if subs := b.runs[sub.runID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.runs, sub.runID)
		}
	}
}

type memSub struct {
	bus    *MemBus
	runID  string
	global bool
	ch     chan execution.Event

	mu     sync.Mutex
	closed bool
}

func (s *memSub) Events() <-chan execution.Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
func (s *memSub) Close() error {
	s.bus.detach(s)
	s.closeChan()
	return nil
}

func (s *memSub) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers without blocking; the event is dropped when the buffer is
// full or the subscription closed.
func (s *memSub) send(event execution.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}

var _ EventBus = (*MemBus)(nil)
var _ execution.EventPublisher = (*MemBus)(nil)
