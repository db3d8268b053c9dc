// Package hook provides ordered extension points.
//
// A Hook holds callbacks sorted by descending priority; callbacks with the
// same priority run in the order they were connected. Callbacks receive the
// point's payload and may mutate it in place. They run on the firing
// goroutine and must not block.
package hook

import "sort"

// Handle identifies one connected callback.
type Handle uint64

type slot[T any] struct {
	handle   Handle
	priority int
	fn       func(T)
}

// Hook is one extension point carrying payloads of type T.
// The zero value is ready to use. A Hook is not safe for concurrent use.
type Hook[T any] struct {
	slots []slot[T]
	next  Handle
}

// Connect registers fn at priority and returns a handle for Disconnect.
func (h *Hook[T]) Connect(priority int, fn func(T)) Handle {
	h.next++
	// Copy so a Fire in progress keeps iterating its own view.
	slots := make([]slot[T], len(h.slots), len(h.slots)+1)
	copy(slots, h.slots)
	slots = append(slots, slot[T]{handle: h.next, priority: priority, fn: fn})
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].priority > slots[j].priority
	})
	h.slots = slots
	return h.next
}

// Disconnect removes the callback registered under handle.
func (h *Hook[T]) Disconnect(handle Handle) bool {
	for i, s := range h.slots {
		if s.handle == handle {
			h.slots = append(h.slots[:i:i], h.slots[i+1:]...)
			return true
		}
	}
	return false
}

// Fire runs every connected callback with data.
func (h *Hook[T]) Fire(data T) {
	// Callbacks may disconnect themselves; iterate over a stable view.
	slots := h.slots
	for _, s := range slots {
		s.fn(data)
	}
}

// Len returns the number of connected callbacks.
func (h *Hook[T]) Len() int { return len(h.slots) }
