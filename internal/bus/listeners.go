package bus

import (
	"log/slog"
	"strconv"
	"sync"
)

// Listeners is a list of callbacks invoked synchronously in registration
// order. A panicking callback is logged and does not stop the others.
type Listeners[T any] struct {
	mu     sync.RWMutex
	next   int
	funcs  []listener[T]
	name   string
	logger *slog.Logger
}

type listener[T any] struct {
	id string
	fn func(T)
}

// NewListeners creates an empty list; name is used in log lines.
func NewListeners[T any](name string, logger *slog.Logger) *Listeners[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listeners[T]{name: name, logger: logger}
}

// Add registers fn and returns an id for Remove.
func (l *Listeners[T]) Add(fn func(T)) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.name + "-" + strconv.Itoa(l.next)
	l.funcs = append(l.funcs, listener[T]{id: id, fn: fn})
	return id
}

// Remove unregisters the callback with the given id.
func (l *Listeners[T]) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, f := range l.funcs {
		if f.id == id {
			l.funcs = append(l.funcs[:i:i], l.funcs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered callbacks.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.funcs)
}

// Notify calls every callback with v.
func (l *Listeners[T]) Notify(v T) {
	l.mu.RLock()
	funcs := make([]listener[T], len(l.funcs))
	copy(funcs, l.funcs)
	l.mu.RUnlock()

	for _, f := range funcs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("listener panic", "listeners", l.name, "listener", f.id, "panic", r)
				}
			}()
			f.fn(v)
		}()
	}
}
