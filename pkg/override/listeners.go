package override

import (
	"log/slog"
	"sync"
)

// Subscription is the handle returned by listener registration.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the listener. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// registry holds listeners in registration order.
type registry[T any] struct {
	mu        sync.Mutex
	next      uint64
	listeners []listener[T]
	log       *slog.Logger
}

func (r *registry[T]) add(fn func(T)) *Subscription {
	r.mu.Lock()
	r.next++
	id := r.next
	r.listeners = append(r.listeners, listener[T]{id: id, fn: fn})
	r.mu.Unlock()

	return &Subscription{cancel: func() { r.remove(id) }}
}

func (r *registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// notify calls every listener with ev. A panicking listener is logged and
// skipped; the remaining listeners still run.
func (r *registry[T]) notify(ev T) {
	r.mu.Lock()
	snapshot := append([]listener[T](nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range snapshot {
		r.call(l, ev)
	}
}

func (r *registry[T]) call(l listener[T], ev T) {
	defer func() {
		if rec := recover(); rec != nil && r.log != nil {
			r.log.Error("override listener panicked", "listener", l.id, "panic", rec)
		}
	}()
	l.fn(ev)
}
