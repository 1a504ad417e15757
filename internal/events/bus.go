// Package events fans registration status changes out to subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/ashureev/otp-registrar/internal/domain"
)

// Handler receives status events. Calls for one subscriber are sequential.
type Handler func(domain.StatusEvent)

// Bus delivers every published event to every current subscriber in
// publish order. Publish never blocks on a slow subscriber.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers h and returns a function that removes it. Events
// already queued for h are still delivered after unsubscribing.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	sub := newSubscriber(h)
	b.subs[id] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
}

// Publish enqueues ev for every current subscriber.
func (b *Bus) Publish(ev domain.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.enqueue(ev)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting events, drains every queue and waits for handlers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.wg.Wait()
}

type subscriber struct {
	handler Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []domain.StatusEvent
	closed bool
}

func newSubscriber(h Handler) *subscriber {
	s := &subscriber{handler: h}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) enqueue(ev domain.StatusEvent) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = domain.StatusEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev)
	}
}

func (s *subscriber) deliver(ev domain.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("status subscriber panicked", "session_id", ev.SessionID, "status", ev.Status, "panic", r)
		}
	}()
	s.handler(ev)
}
