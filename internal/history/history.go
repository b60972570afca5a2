// Package history provides a bounded FIFO buffer for rolling telemetry
// windows. Appends past the capacity evict the oldest entry, preserving
// chronological order of arrival.
//
// Buffer is not safe for concurrent use; owners guard it with their own
// locks.
package history

type Buffer[T any] struct {
	capacity int
	items    []T
}

func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		capacity: capacity,
		items:    make([]T, 0, capacity),
	}
}

// Append adds v as the newest entry, evicting the oldest when full.
func (b *Buffer[T]) Append(v T) {
	if len(b.items) == b.capacity {
		copy(b.items, b.items[1:])
		b.items[len(b.items)-1] = v
		return
	}
	b.items = append(b.items, v)
}

// Items returns a copy of the buffer in chronological order.
func (b *Buffer[T]) Items() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

func (b *Buffer[T]) Len() int {
	return len(b.items)
}

func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Latest returns the newest entry, if any.
func (b *Buffer[T]) Latest() (T, bool) {
	var zero T
	if len(b.items) == 0 {
		return zero, false
	}
	return b.items[len(b.items)-1], true
}

func (b *Buffer[T]) Reset() {
	b.items = b.items[:0]
}
