package store

// ring is a bounded FIFO over the most recent records of one stream.
// Records arrive in seq order under the store's single writer, so the ring
// contents are always sorted by seq.
type ring[T any] struct {
	buf   []T
	start int
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &ring[T]{buf: make([]T, capacity)}
}

// push appends v, evicting the oldest record when full.
func (r *ring[T]) push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) len() int { return r.count }

// snapshot copies the retained records oldest-first.
func (r *ring[T]) snapshot() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
