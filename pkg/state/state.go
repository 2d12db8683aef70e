// Package state provides an observable value container: a snapshot read
// plus change notification for any number of subscribers.
package state

import "sync"

// subscriberBuffer is the per-subscriber channel capacity. When a slow
// subscriber's buffer is full the oldest pending value is discarded so the
// latest value is always delivered.
const subscriberBuffer = 16

// Value holds a value of type T and notifies subscribers when it changes.
type Value[T comparable] struct {
	mu   sync.Mutex
	v    T
	subs map[int]chan T
	next int
}

// New creates a Value holding v.
func New[T comparable](v T) *Value[T] {
	return &Value[T]{v: v, subs: make(map[int]chan T)}
}

// Load returns the current value.
func (s *Value[T]) Load() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

// Store sets the value and notifies subscribers if it changed. It returns
// the previous value.
func (s *Value[T]) Store(v T) T {
	return s.Update(func(T) T { return v })
}

// Update applies fn to the current value atomically and notifies
// subscribers if the result differs. It returns the previous value.
func (s *Value[T]) Update(fn func(T) T) T {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.v
	s.v = fn(prev)
	if s.v != prev {
		for _, ch := range s.subs {
			deliver(ch, s.v)
		}
	}
	return prev
}

// Subscribe returns a channel that receives every subsequent change and a
// cancel func that closes it. Cancel is safe to call more than once.
func (s *Value[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan T, subscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
