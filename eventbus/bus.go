package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubscriberFilter restricts which events a subscription receives.
type SubscriberFilter struct {
	// ExecutionID limits delivery to one execution; the zero UUID matches all.
	ExecutionID uuid.UUID
	// Types limits delivery to the listed event types; empty matches all.
	Types []EventType
}

func (f SubscriberFilter) matches(e Event) bool {
	if f.ExecutionID != uuid.Nil && f.ExecutionID != e.ExecutionID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Subscription is one subscriber's buffered event feed.
type Subscription struct {
	id     uint64
	filter SubscriberFilter
	ch     chan Event
	bus    *Bus
	once   sync.Once
}

// Events returns the subscriber's channel. The channel is closed when the
// subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close cancels the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
		close(s.ch)
	})
}

// Bus is the in-process event fan-out. Each subscriber owns a bounded
// buffer; when it fills the oldest event is dropped so that Publish never
// blocks the orchestrator.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	bufSize int
	closed  bool
	dropped atomic.Uint64
	logger  *zap.Logger
}

// New creates a bus. bufSize is the per-subscriber buffer; values below 1
// fall back to 64.
func New(bufSize int, logger *zap.Logger) *Bus {
	if bufSize < 1 {
		bufSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
		logger:  logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe registers a new subscriber with the given filter.
func (b *Bus) Subscribe(filter SubscriberFilter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: filter,
		ch:     make(chan Event, b.bufSize),
		bus:    b,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers the event to every matching subscriber without
// blocking. The event timestamp is stamped here when unset.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full: shed the oldest event and try once more.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped reports how many events were shed due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}
