// Package ring implements the fixed-capacity queues every transport layer
// in this module is built out of: a byte-granular Buffer (used for framed
// packet records) and a word-granular FIFO (a 32-bit queue; no other
// package in this module uses it).
//
// Both types are single-writer/single-reader: callers that share a queue
// across goroutines must hold their own mutex around Write/Read/Skip, the
// same discipline the teacher's dataplane ring structures require of their
// CGO callers.
package ring

// Buffer is a fixed-capacity byte queue with wrap-around reads and writes.
// A zero Buffer is not usable; construct with NewBuffer.
type Buffer struct {
	buf        []byte
	head, tail int
	used       int
}

// NewBuffer allocates a Buffer with the given byte capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Capacity returns the total number of bytes the buffer can hold.
func (b *Buffer) Capacity() int {
	return len(b.buf)
}

// Len returns the number of bytes currently queued.
func (b *Buffer) Len() int {
	return b.used
}

// CanFit reports whether n more bytes can be written without eviction.
func (b *Buffer) CanFit(n int) bool {
	return n <= len(b.buf)-b.used
}

// Clear resets the buffer to empty without touching its backing storage.
func (b *Buffer) Clear() {
	b.head, b.tail, b.used = 0, 0, 0
}

// Write appends p to the buffer. It returns false and writes nothing if p
// would not fit; callers that want eviction semantics call Skip themselves
// first (see dispatch.Dispatcher.Send).
func (b *Buffer) Write(p []byte) bool {
	if !b.CanFit(len(p)) {
		return false
	}
	n := copy(b.buf[b.tail:], p)
	if n < len(p) {
		copy(b.buf[0:], p[n:])
	}
	b.tail = (b.tail + len(p)) % len(b.buf)
	b.used += len(p)
	return true
}

// Read copies exactly len(p) bytes out of the buffer into p and advances
// the read cursor past them. It returns false, leaving the buffer
// untouched, if fewer than len(p) bytes are queued.
func (b *Buffer) Read(p []byte) bool {
	if len(p) > b.used {
		return false
	}
	n := copy(p, b.buf[b.head:])
	if n < len(p) {
		copy(p[n:], b.buf[0:])
	}
	b.head = (b.head + len(p)) % len(b.buf)
	b.used -= len(p)
	return true
}

// Peek copies len(p) bytes starting at the read cursor without consuming
// them. It returns false if fewer than len(p) bytes are queued.
func (b *Buffer) Peek(p []byte) bool {
	if len(p) > b.used {
		return false
	}
	n := copy(p, b.buf[b.head:])
	if n < len(p) {
		copy(p[n:], b.buf[0:])
	}
	return true
}

// Skip discards the next n bytes without copying them out. It returns
// false, leaving the buffer untouched, if fewer than n bytes are queued.
func (b *Buffer) Skip(n int) bool {
	if n > b.used {
		return false
	}
	b.head = (b.head + n) % len(b.buf)
	b.used -= n
	return true
}

// FIFO is the 32-bit word specialisation of Buffer (spec.md §4.1); no other
// package in this module uses it. Semantics are identical to Buffer modulo
// word stride.
type FIFO struct {
	buf        []uint32
	head, tail int
	used       int
}

// NewFIFO allocates a FIFO with the given word capacity.
func NewFIFO(capacityWords int) *FIFO {
	if capacityWords <= 0 {
		panic("ring: capacity must be positive")
	}
	return &FIFO{buf: make([]uint32, capacityWords)}
}

// Capacity returns the total number of words the FIFO can hold.
func (f *FIFO) Capacity() int {
	return len(f.buf)
}

// Len returns the number of words currently queued.
func (f *FIFO) Len() int {
	return f.used
}

// CanFit reports whether n more words can be written without eviction.
func (f *FIFO) CanFit(n int) bool {
	return n <= len(f.buf)-f.used
}

// Clear resets the FIFO to empty.
func (f *FIFO) Clear() {
	f.head, f.tail, f.used = 0, 0, 0
}

// Write appends p to the FIFO, returning false without effect if it does
// not fit.
func (f *FIFO) Write(p []uint32) bool {
	if !f.CanFit(len(p)) {
		return false
	}
	n := copy(f.buf[f.tail:], p)
	if n < len(p) {
		copy(f.buf[0:], p[n:])
	}
	f.tail = (f.tail + len(p)) % len(f.buf)
	f.used += len(p)
	return true
}

// Read copies exactly len(p) words out of the FIFO into p, returning false
// without effect if fewer are queued.
func (f *FIFO) Read(p []uint32) bool {
	if len(p) > f.used {
		return false
	}
	n := copy(p, f.buf[f.head:])
	if n < len(p) {
		copy(p[n:], f.buf[0:])
	}
	f.head = (f.head + len(p)) % len(f.buf)
	f.used -= len(p)
	return true
}

// Skip discards the next n words without copying them out.
func (f *FIFO) Skip(n int) bool {
	if n > f.used {
		return false
	}
	f.head = (f.head + n) % len(f.buf)
	f.used -= n
	return true
}
