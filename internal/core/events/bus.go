// Package events is an in-process pub/sub bus for document lifecycle events.
//
// Delivery is synchronous: Publish calls every matching handler in the
// caller goroutine and joins their errors. Handlers run while the publisher
// holds its document lock, so they must be quick and must not call back into
// the engine.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event types published by the collaboration engine.
const (
	TypeJoined   = "doc.joined"
	TypeLeft     = "doc.left"
	TypeAccepted = "doc.accepted"
	TypeResync   = "doc.resync"
	TypeCleared  = "doc.cleared"

	// TypeAll subscribes to every event type.
	TypeAll = "*"
)

type Event struct {
	Type string
	Doc  string
	Peer string
	User string
	// Version is the document version after the event.
	Version int
	// Ops is the number of operations accepted. Only set on TypeAccepted.
	Ops int
	// Text is the reconstructed document. Only set on TypeAccepted.
	Text string
	Time time.Time
}

type Handler func(ctx context.Context, e Event) error

type Subscription struct {
	id        string
	eventType string
	handler   Handler
	active    atomic.Bool
	bus       *Bus
}

func (s *Subscription) ID() string        { return s.id }
func (s *Subscription) EventType() string { return s.eventType }
func (s *Subscription) IsActive() bool    { return s.active.Load() }

// Cancel removes the handler from the bus. Multiple calls are safe.
func (s *Subscription) Cancel() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.handlers[s.eventType]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.handlers, s.eventType)
		}
	}
}

type Metrics struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Errors    uint64 `json:"errors"`
}

type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[string]*Subscription

	published atomic.Uint64
	delivered atomic.Uint64
	errs      atomic.Uint64
}

func New() *Bus {
	return &Bus{handlers: make(map[string]map[string]*Subscription)}
}

func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	s := &Subscription{id: uuid.NewString(), eventType: eventType, handler: handler, bus: b}
	s.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]*Subscription)
	}
	b.handlers[eventType][s.id] = s
	return s
}

// Publish delivers e to the subscribers of e.Type and of TypeAll. A zero
// e.Time is set to now.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[e.Type])+len(b.handlers[TypeAll]))
	for _, s := range b.handlers[e.Type] {
		targets = append(targets, s.handler)
	}
	if e.Type != TypeAll {
		for _, s := range b.handlers[TypeAll] {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	b.delivered.Add(uint64(len(targets)))
	b.errs.Add(uint64(len(errs)))
	return errors.Join(errs...)
}

func (b *Bus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Errors:    b.errs.Load(),
	}
}
