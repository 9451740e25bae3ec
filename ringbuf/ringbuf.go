// Package ringbuf implements the per-connection byte ring buffer that
// sits between a transport's read loop and the dispatcher: the
// transport appends inbound bytes with Write, and the dispatcher peeks
// and discards whole frames as it parses them. The backing array is
// reallocated only when it grows; apart from that, the only allocation
// is the copy Peek returns when the requested range wraps around.
package ringbuf

// RingBuffer is a growable circular byte buffer. It is not safe for
// concurrent use: the spec's single per-connection read task is the
// only writer and the only reader (the dispatcher runs on that same
// task), so no internal locking is needed.
type RingBuffer struct {
	buf  []byte
	r, w int // read and write cursors, modulo len(buf)
	n    int // number of readable bytes currently buffered
}

// New creates a ring buffer with the given initial capacity.
func New(initialCap int) *RingBuffer {
	if initialCap < 64 {
		initialCap = 64
	}
	return &RingBuffer{buf: make([]byte, initialCap)}
}

// Len returns the number of bytes currently buffered and unread.
func (b *RingBuffer) Len() int { return b.n }

// Cap returns the current backing capacity.
func (b *RingBuffer) Cap() int { return len(b.buf) }

// Write appends p to the buffer, growing the backing array if needed.
func (b *RingBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	written := len(p)
	b.ensureFree(len(p))
	cap := len(b.buf)
	for len(p) > 0 {
		free := cap - b.w
		if free > len(p) {
			free = len(p)
		}
		copy(b.buf[b.w:b.w+free], p[:free])
		b.w = (b.w + free) % cap
		b.n += free
		p = p[free:]
	}
	return written, nil
}

// ensureFree grows the backing array so at least extra more bytes can
// be written without wrapping logic breaking (doubling strategy).
func (b *RingBuffer) ensureFree(extra int) {
	if len(b.buf)-b.n >= extra {
		return
	}
	newCap := len(b.buf) * 2
	for newCap-b.n < extra {
		newCap *= 2
	}
	nb := make([]byte, newCap)
	n := b.n
	if n > 0 {
		if b.r < b.w {
			copy(nb, b.buf[b.r:b.w])
		} else {
			k := copy(nb, b.buf[b.r:])
			copy(nb[k:], b.buf[:b.w])
		}
	}
	b.buf = nb
	b.r = 0
	b.w = n
	b.n = n
}

// Peek returns the next n readable bytes without consuming them. The
// second return value is false if fewer than n bytes are buffered. The
// returned slice is a fresh copy whenever the requested range wraps
// around the backing array, and a zero-copy subslice otherwise.
func (b *RingBuffer) Peek(n int) ([]byte, bool) {
	if n > b.n {
		return nil, false
	}
	if n == 0 {
		return nil, true
	}
	cap := len(b.buf)
	if b.r+n <= cap {
		return b.buf[b.r : b.r+n], true
	}
	out := make([]byte, n)
	k := copy(out, b.buf[b.r:])
	copy(out[k:], b.buf[:n-k])
	return out, true
}

// Discard advances the read cursor past n bytes. Panics if n > Len(),
// which would indicate a caller bug (discarding bytes never peeked).
func (b *RingBuffer) Discard(n int) {
	if n > b.n {
		panic("ringbuf: discard exceeds readable length")
	}
	b.r = (b.r + n) % len(b.buf)
	b.n -= n
	if b.n == 0 {
		b.r, b.w = 0, 0
	}
}
