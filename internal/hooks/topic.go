// Package hooks provides typed publish/subscribe topics.
//
// Components expose one Topic field per event kind instead of string-keyed
// emitters, so handler signatures are checked at compile time.
package hooks

import (
	"sync"

	"github.com/google/uuid"
)

// Topic dispatches values of type T to registered handlers.
// The zero value is ready to use.
type Topic[T any] struct {
	mu       sync.RWMutex
	handlers []registration[T]
}

type registration[T any] struct {
	id string
	fn func(T)
}

// On registers fn and returns its registration ID for Off.
func (t *Topic[T]) On(fn func(T)) string {
	id := uuid.NewString()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, registration[T]{id: id, fn: fn})
	return id
}

// Off removes a handler by registration ID.
func (t *Topic[T]) Off(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, h := range t.handlers {
		if h.id == id {
			t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Emit calls every handler in registration order.
// Handlers run outside the topic lock and may call On/Off.
func (t *Topic[T]) Emit(v T) {
	t.mu.RLock()
	if len(t.handlers) == 0 {
		t.mu.RUnlock()
		return
	}
	snapshot := make([]registration[T], len(t.handlers))
	copy(snapshot, t.handlers)
	t.mu.RUnlock()

	for _, h := range snapshot {
		h.fn(v)
	}
}

// Len returns the number of registered handlers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}
