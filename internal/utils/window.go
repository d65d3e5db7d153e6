package utils

// Window is a fixed-capacity ring buffer. Pushing beyond capacity evicts the oldest
// element. Items are returned oldest first. Window is not safe for concurrent use;
// owners guard it with their own lock.
type Window[T any] struct {
	buf   []T
	start int
	size  int
}

// NewWindow creates a window holding at most capacity items (minimum 1).
func NewWindow[T any](capacity int) *Window[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window[T]{buf: make([]T, capacity)}
}

// Push appends items in order, evicting the oldest on overflow.
func (w *Window[T]) Push(items ...T) {
	for _, item := range items {
		if w.size < len(w.buf) {
			w.buf[(w.start+w.size)%len(w.buf)] = item
			w.size++
			continue
		}
		w.buf[w.start] = item
		w.start = (w.start + 1) % len(w.buf)
	}
}

// Items returns a copy of the contents, oldest first.
func (w *Window[T]) Items() []T {
	out := make([]T, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Last returns the newest item.
func (w *Window[T]) Last() (T, bool) {
	var zero T
	if w.size == 0 {
		return zero, false
	}
	return w.buf[(w.start+w.size-1)%len(w.buf)], true
}

// Len returns the number of held items.
func (w *Window[T]) Len() int { return w.size }

// Cap returns the fixed capacity.
func (w *Window[T]) Cap() int { return len(w.buf) }

// Reset drops every item.
func (w *Window[T]) Reset() {
	var zero T
	for i := range w.buf {
		w.buf[i] = zero
	}
	w.start, w.size = 0, 0
}
