// Package bus implements the in-process Event Bus (C9): topic fan-out
// with bounded per-subscriber queues and eviction-on-full backpressure
// (spec §4.9, §5). Generalized from pkg/audit/logger.go's fan-out-to-sinks
// shape into an explicit subscription handle, redesigned per spec §9's
// "replace decorator-style subscription with an explicit subscribe(subject)
// -> stream handle" note.
package bus

import (
	"sync"

	"github.com/Mindburn-Labs/aegate/internal/envelope"
)

// QueueCapacity bounds each subscriber's buffered channel (spec §4.9:
// "bounded (e.g. 256)").
const QueueCapacity = 256

// Subscription is a caller-owned handle returned by Subscribe. The
// caller reads from Events until it is closed (by Bus, on backpressure
// eviction or at Close) and MUST call Close itself on its own departure
// (e.g. client disconnect) to release the subscription promptly (spec §5:
// "MUST release its bus subscription promptly").
type Subscription struct {
	subject string
	events  chan *envelope.Envelope
	bus     *Bus
	once    sync.Once
}

// Events returns the channel of delivered envelopes. It is closed when
// the subscription ends, either by the subscriber's own Close or by the
// bus evicting a slow consumer.
func (s *Subscription) Events() <-chan *envelope.Envelope {
	return s.events
}

// Close unregisters the subscription and releases its queue. Safe to call
// more than once and safe to call after the bus has already evicted it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.subject, s)
		close(s.events)
	})
}

// Bus is the in-process topic fan-out. Subject matching is exact; there
// is no wildcard support in the core (spec §4.9).
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new Subscription for subject.
func (b *Bus) Subscribe(subject string) *Subscription {
	sub := &Subscription{subject: subject, events: make(chan *envelope.Envelope, QueueCapacity), bus: b}

	b.mu.Lock()
	set, ok := b.subs[subject]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[subject] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish is non-blocking for the caller (spec §4.9): it takes the lock
// only long enough to snapshot the current subscriber set, then pushes to
// each subscriber's own queue outside the lock. A subscriber whose queue
// is full is evicted (its stream closed) rather than blocking the
// publisher or penalizing other subscribers.
func (b *Bus) Publish(subject string, env *envelope.Envelope) {
	b.mu.RLock()
	set := b.subs[subject]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.events <- env:
		default:
			sub.Close()
		}
	}
}

func (b *Bus) remove(subject string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[subject]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, subject)
		}
	}
}

// SubscriberCount reports how many active subscribers a subject has,
// useful for tests and admin diagnostics.
func (b *Bus) SubscriberCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}
