// Package event provides typed observer lists used by the storage and network
// collaborators to publish events without coupling subscribers to event
// names.
package event

import "sync"

// Feed is a list of listeners for one event type. The zero value is ready to
// use.
type Feed[T any] struct {
	mu        sync.Mutex
	next      uint64
	listeners map[uint64]func(T)
	order     []uint64
	closed    bool
}

// Subscription detaches a listener from its feed.
type Subscription struct {
	once   sync.Once
	detach func()
}

// Close detaches the listener. Calling Close more than once is harmless.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
	})
}

// Subscribe registers fn. Listeners registered on a closed feed are never
// called.
func (f *Feed[T]) Subscribe(fn func(T)) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &Subscription{}
	}
	if f.listeners == nil {
		f.listeners = make(map[uint64]func(T))
	}
	f.next++
	id := f.next
	f.listeners[id] = fn
	f.order = append(f.order, id)
	return &Subscription{detach: func() { f.remove(id) }}
}

// Once registers fn for the next emitted value only.
func (f *Feed[T]) Once(fn func(T)) *Subscription {
	var sub *Subscription
	var fired sync.Once
	sub = f.Subscribe(func(v T) {
		fired.Do(func() {
			sub.Close()
			fn(v)
		})
	})
	return sub
}

func (f *Feed[T]) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.listeners[id]; !ok {
		return
	}
	delete(f.listeners, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Emit calls every listener with v in subscription order. Listeners run on the
// caller's goroutine and outside the feed mutex.
func (f *Feed[T]) Emit(v T) {
	for _, fn := range f.snapshot() {
		fn(v)
	}
}

// Len reports the number of attached listeners.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// Close drops every listener; later Subscribe calls become no-ops.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	f.closed = true
	f.listeners = nil
	f.order = nil
	f.mu.Unlock()
}

func (f *Feed[T]) snapshot() []func(T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return nil
	}
	out := make([]func(T), 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.listeners[id])
	}
	return out
}
