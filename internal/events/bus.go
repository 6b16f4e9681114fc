// Package events carries worker-to-surface notifications: progress, status,
// log lines and run lifecycle. Emitters never block on listeners.
package events

import (
	"sync"
	"time"

	"transit-sync/internal/domain/vehicle"
)

type Type string

const (
	TypeProgress    Type = "progress"
	TypeStatus      Type = "status"
	TypeLog         Type = "log"
	TypeRunStarted  Type = "run_started"
	TypeRunFinished Type = "run_finished"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Progress struct {
	Current int             `json:"current"`
	Total   int             `json:"total"`
	Plate   vehicle.PlateID `json:"plate,omitempty"`
}

// Percent is the completed share of the run, 0 to 100.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	return p.Current * 100 / p.Total
}

type Event struct {
	Type     Type                `json:"type"`
	Time     time.Time           `json:"time"`
	RunID    string              `json:"run_id,omitempty"`
	Severity Severity            `json:"severity,omitempty"`
	Message  string              `json:"message,omitempty"`
	Progress *Progress           `json:"progress,omitempty"`
	Summary  *vehicle.RunSummary `json:"summary,omitempty"`
}

// Publisher is the emitting side of the bus.
type Publisher interface {
	Emit(evt Event)
}

type SubscriberID uint64

// SubscriberFunc runs on the emitting goroutine and must not block.
type SubscriberFunc func(Event)

type subscriber struct {
	id     SubscriberID
	fn     SubscriberFunc
	filter map[Type]struct{}
}

// Bus dispatches events synchronously to subscribers in registration order.
// Listen wraps a subscriber in a buffered channel for consumers on other
// goroutines.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	nextID      SubscriberID
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for the given types, or for every type when none
// are given.
func (b *Bus) Subscribe(fn SubscriberFunc, types ...Type) SubscriberID {
	var filter map[Type]struct{}
	if len(types) > 0 {
		filter = make(map[Type]struct{}, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, subscriber{id: id, fn: fn, filter: filter})
	return id
}

func (b *Bus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

func (b *Bus) Emit(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter != nil {
			if _, ok := s.filter[evt.Type]; !ok {
				continue
			}
		}
		s.fn(evt)
	}
}

// Listener is a buffered view of the bus. Events that do not fit the buffer
// are dropped and counted.
type Listener struct {
	C <-chan Event

	bus     *Bus
	id      SubscriberID
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped uint64
}

func (b *Bus) Listen(buffer int, types ...Type) *Listener {
	ch := make(chan Event, buffer)
	l := &Listener{C: ch, bus: b, ch: ch}
	l.id = b.Subscribe(l.deliver, types...)
	return l
}

func (l *Listener) deliver(evt Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- evt:
	default:
		l.dropped++
	}
}

func (l *Listener) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close unsubscribes and closes C.
func (l *Listener) Close() {
	l.bus.Unsubscribe(l.id)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}
