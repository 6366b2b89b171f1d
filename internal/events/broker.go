// Package events carries typed notifications between the session parts and
// optionally records them in a store.
package events

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	defaultBufferSize = 64
	defaultMaxHistory = 1000
)

// subscriber queues events without bound and hands them to ch in order from
// its own goroutine, so a slow reader delays only itself
type subscriber[T any] struct {
	ch     chan Event[T]
	filter EventFilter
	done   <-chan struct{}
	// detach runs when done fires, before ch is closed
	detach func()

	mu      sync.Mutex
	queue   []Event[T]
	closing bool
	wake    chan struct{}
}

func newSubscriber[T any](ctx context.Context, bufferSize int, filter EventFilter) *subscriber[T] {
	return &subscriber[T]{
		ch:     make(chan Event[T], bufferSize),
		filter: filter,
		done:   ctx.Done(),
		wake:   make(chan struct{}, 1),
	}
}

func (s *subscriber[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// push queues ev and returns the queue length
func (s *subscriber[T]) push(ev Event[T]) int {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return 0
	}
	s.queue = append(s.queue, ev)
	n := len(s.queue)
	s.mu.Unlock()
	s.signal()
	return n
}

// finish lets the queued events drain, then closes ch
func (s *subscriber[T]) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber[T]) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.wake:
			case <-s.done:
				s.detach()
				return
			}
			continue
		}
		ev := s.queue[0]
		s.queue[0] = Event[T]{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			s.detach()
			return
		}
	}
}

// Broker fans events of one payload type out to subscribers. Every
// subscriber receives every matching event in publish order; a subscriber
// that reads slowly queues events instead of blocking the publisher.
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       []*subscriber[T]
	history    []Event[T]
	maxHistory int
	bufferSize int
	store      PersistenceStore
	closed     bool
	logger     *log.Logger
}

// NewBroker creates a broker with the default buffer and history sizes
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithOptions[T](defaultBufferSize, defaultMaxHistory)
}

// NewBrokerWithOptions creates a broker whose subscriber channels get
// bufferSize slots and which keeps the last maxHistory events. A warning is
// logged each time a subscriber's backlog grows by another bufferSize events.
func NewBrokerWithOptions[T any](bufferSize, maxHistory int) *Broker[T] {
	return &Broker[T]{
		bufferSize: max(bufferSize, 1),
		maxHistory: max(maxHistory, 0),
		logger:     log.WithPrefix("events"),
	}
}

// SetPersistence makes events published WithPersistence go to store
func (b *Broker[T]) SetPersistence(store PersistenceStore) {
	b.mu.Lock()
	b.store = store
	b.mu.Unlock()
}

// Publish delivers payload and returns the event. After Shutdown it
// returns the zero event.
func (b *Broker[T]) Publish(eventType EventType, payload T, opts ...PublishOption) Event[T] {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.timestamp.IsZero() {
		o.timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event[T]{}
	}

	ev := Event[T]{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: o.timestamp,
		SessionID: o.sessionID,
	}
	if b.maxHistory > 0 {
		if len(b.history) == b.maxHistory {
			b.history = slices.Delete(b.history, 0, 1)
		}
		b.history = append(b.history, ev)
	}
	if o.persist && b.store != nil {
		if err := b.store.Store(ev.Erase()); err != nil {
			b.logger.Warn("Failed to persist event", "type", ev.Type, "session", ev.SessionID, "error", err)
		}
	}

	erased := ev.Erase()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(erased) {
			continue
		}
		if n := s.push(ev); n >= b.bufferSize && n%b.bufferSize == 0 {
			b.logger.Warn("Subscriber is falling behind", "type", ev.Type, "session", ev.SessionID, "queued", n)
		}
	}
	return ev
}

// Subscribe streams matching events until ctx is done, then closes the
// channel. After Shutdown the channel delivers what was already queued and
// closes.
func (b *Broker[T]) Subscribe(ctx context.Context, filters ...EventFilter) <-chan Event[T] {
	var filter EventFilter
	if len(filters) > 0 {
		filter = CombineFilters(filters...)
	}
	s := newSubscriber[T](ctx, b.bufferSize, filter)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch
	}
	s.detach = func() { b.unsubscribe(s) }
	b.subs = append(b.subs, s)
	go s.pump()
	return s.ch
}

func (b *Broker[T]) unsubscribe(s *subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := slices.Index(b.subs, s); i >= 0 {
		b.subs = slices.Delete(b.subs, i, i+1)
	}
}

// GetHistory returns the retained events accepted by filters, oldest first
func (b *Broker[T]) GetHistory(filters ...EventFilter) []Event[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(filters) == 0 {
		return slices.Clone(b.history)
	}
	f := CombineFilters(filters...)
	var out []Event[T]
	for _, ev := range b.history {
		if f(ev.Erase()) {
			out = append(out, ev)
		}
	}
	return out
}

// Stats describes a broker
type Stats struct {
	Subscribers int  `json:"subscribers"`
	History     int  `json:"history"`
	Closed      bool `json:"closed"`
}

func (b *Broker[T]) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Subscribers: len(b.subs), History: len(b.history), Closed: b.closed}
}

// Shutdown ends every subscription once its queued events are delivered.
// Later publishes are dropped.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.finish()
	}
	b.subs = nil
}
