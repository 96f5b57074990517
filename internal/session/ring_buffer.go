package session

import (
	"fmt"
	"sync"
)

// DefaultRingBufferSize is the default per-session history in bytes.
const DefaultRingBufferSize = 1024 * 1024

// RingBuffer is a fixed-capacity circular buffer of raw output bytes.
//
// Every byte ever written has an offset; offsets grow monotonically and are
// never reused, so a consumer that remembers where it stopped can ask for
// "everything since N" after reconnecting. When the buffer is full the
// oldest bytes are overwritten.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []byte
	capacity int
	pos      int    // next write position
	total    uint64 // bytes ever written; the offset of the next byte
	released bool
}

// NewRingBuffer creates a ring buffer holding up to capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultRingBufferSize
	}
	return &RingBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p and returns the offset of its first byte. Writes after
// Release are discarded.
func (rb *RingBuffer) Write(p []byte) uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	start := rb.total
	if rb.released {
		return start
	}
	rb.total += uint64(len(p))

	// Only the tail can survive a write larger than the buffer.
	if len(p) > rb.capacity {
		p = p[len(p)-rb.capacity:]
	}
	for len(p) > 0 {
		n := copy(rb.buf[rb.pos:], p)
		rb.pos = (rb.pos + n) % rb.capacity
		p = p[n:]
	}
	return start
}

// ReadFrom returns a copy of everything written since offset, and the
// offset to pass next time. An offset older than the retained window
// returns ErrOffsetExpired; an offset in the future returns no data.
func (rb *RingBuffer) ReadFrom(offset uint64) ([]byte, uint64, error) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.released {
		return nil, rb.total, ErrClosed
	}
	oldest := rb.oldestLocked()
	if offset < oldest {
		return nil, oldest, fmt.Errorf("%w: offset %d, oldest retained %d", ErrOffsetExpired, offset, oldest)
	}
	if offset >= rb.total {
		return nil, rb.total, nil
	}
	return rb.copyLocked(offset), rb.total, nil
}

// Last returns a copy of up to the last n bytes and the current offset.
func (rb *RingBuffer) Last(n int) ([]byte, uint64) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.released || n <= 0 {
		return nil, rb.total
	}
	from := rb.oldestLocked()
	if stored := rb.total - from; uint64(n) < stored {
		from = rb.total - uint64(n)
	}
	if from == rb.total {
		return nil, rb.total
	}
	return rb.copyLocked(from), rb.total
}

// CurrentOffset returns the offset the next written byte will get.
func (rb *RingBuffer) CurrentOffset() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total
}

// OldestOffset returns the offset of the oldest retained byte.
func (rb *RingBuffer) OldestOffset() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.oldestLocked()
}

// Len returns the number of bytes currently retained.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.released {
		return 0
	}
	return int(rb.total - rb.oldestLocked())
}

// Capacity returns the fixed capacity in bytes.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

// Release drops the backing storage. It is safe to call more than once;
// later reads return ErrClosed.
func (rb *RingBuffer) Release() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.released = true
	rb.buf = nil
	rb.pos = 0
}

func (rb *RingBuffer) oldestLocked() uint64 {
	if rb.total > uint64(rb.capacity) {
		return rb.total - uint64(rb.capacity)
	}
	return 0
}

// copyLocked copies [from, total) out of the circular storage.
func (rb *RingBuffer) copyLocked(from uint64) []byte {
	n := int(rb.total - from)
	out := make([]byte, n)

	// pos is where offset total lands; walk back n bytes.
	start := (rb.pos - n) % rb.capacity
	if start < 0 {
		start += rb.capacity
	}
	copied := copy(out, rb.buf[start:])
	if copied < n {
		copy(out[copied:], rb.buf[:n-copied])
	}
	return out
}
