// Package event fans unsolicited modem activity out to control-protocol
// subscribers. Delivery is best effort: publishing never blocks, a slow
// subscriber loses events (counted) instead of stalling the serial reader,
// and each subscriber sees the events it does receive in publish order.
package event

import (
	"log/slog"
	"sync"
	"time"
)

// Category groups events for subscription filtering.
type Category string

const (
	// DTMF carries in-call keypad digits.
	DTMF Category = "dtmf"
	// CallStatus carries call lifecycle events.
	CallStatus Category = "call_status"
	// SimStatus carries SIM security state changes.
	SimStatus Category = "sim_status"
)

// Categories lists every known category, the default subscription set.
func Categories() []Category {
	return []Category{DTMF, CallStatus, SimStatus}
}

// Wire-level event type names.
const (
	TypeIncomingCall  = "incoming_call"
	TypeCallConnected = "call_connected"
	TypeCallEnded     = "call_ended"
	TypeDTMFDigit     = "dtmf_digit"
	TypeSimStatus     = "sim_status"
)

// Event is one notification pushed to subscribers. Type is the wire-level
// event name (incoming_call, call_connected, call_ended, dtmf_digit,
// sim_status).
type Event struct {
	Category Category
	Type     string
	Fields   map[string]string
	Time     time.Time
}

// Subscription is one subscriber's ordered event feed. The channel is closed
// when the subscription is removed from the bus.
type Subscription struct {
	id   string
	cats map[Category]bool
	ch   chan Event

	mu      sync.Mutex
	dropped uint64
}

// C returns the receive side of the feed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were lost to a full buffer.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) wants(c Category) bool { return s.cats[c] }

// DefaultBuffer is the per-subscription queue depth.
const DefaultBuffer = 64

// Bus distributes events to subscriptions.
type Bus struct {
	log    *slog.Logger
	buffer int

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewBus creates a bus. buffer <= 0 uses DefaultBuffer.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		log:    logger.With("comp", "event"),
		buffer: buffer,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers id for the given categories (none means all). An
// existing subscription with the same id is replaced and its channel closed.
func (b *Bus) Subscribe(id string, cats ...Category) *Subscription {
	if len(cats) == 0 {
		cats = Categories()
	}
	set := make(map[Category]bool, len(cats))
	for _, c := range cats {
		set[c] = true
	}
	sub := &Subscription{
		id:   id,
		cats: set,
		ch:   make(chan Event, b.buffer),
	}
	b.mu.Lock()
	if old, ok := b.subs[id]; ok {
		close(old.ch)
	}
	b.subs[id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes id and closes its feed. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish delivers ev to every subscription that wants its category. A full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Category) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.mu.Lock()
			sub.dropped++
			n := sub.dropped
			sub.mu.Unlock()
			b.log.Warn("subscriber queue full, event dropped",
				"subscriber", sub.id, "type", ev.Type, "dropped", n)
		}
	}
}
