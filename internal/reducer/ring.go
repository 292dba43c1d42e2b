package reducer

// ring is a fixed-capacity FIFO; pushing into a full ring evicts the oldest
// element.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, max(capacity, 0))}
}

func (r *ring[T]) Push(v T) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring[T]) Len() int { return r.size }

// Items returns the contents oldest first in a fresh slice.
func (r *ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) Reset() {
	clear(r.buf)
	r.head, r.size = 0, 0
}
