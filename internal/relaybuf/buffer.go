// Package relaybuf implements the growable byte buffer used by the
// AEAD decrypter to accumulate a partial record across several reads.
// It is deliberately not a bytes.Buffer: it exposes the read-cursor
// and capacity directly, matching the alloc/realloc_at_least/prepend
// contract the cipher state machine depends on.
package relaybuf

// Buffer is a region of bytes with a capacity, a length, and a read
// cursor. Invariant: idx <= len <= cap(data).
type Buffer struct {
	data []byte
	len  int
	idx  int
}

// New allocates a Buffer with the given initial capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Len returns the number of valid bytes currently stored.
func (b *Buffer) Len() int { return b.len }

// Idx returns the read cursor.
func (b *Buffer) Idx() int { return b.idx }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Unread returns the bytes between idx and len: the part of the
// buffer still waiting to be consumed.
func (b *Buffer) Unread() []byte { return b.data[b.idx:b.len] }

// Bytes returns the full valid region, ignoring idx.
func (b *Buffer) Bytes() []byte { return b.data[:b.len] }

// Advance moves the read cursor forward by n bytes. It panics if n
// would push idx past len; callers are expected to only advance by
// amounts they have validated against Unread().
func (b *Buffer) Advance(n int) {
	if b.idx+n > b.len {
		panic("relaybuf: advance past len")
	}
	b.idx += n
}

// Reset clears len and idx without releasing the underlying array.
func (b *Buffer) Reset() {
	b.len = 0
	b.idx = 0
}

// Compact discards the already-read prefix [0:idx), shifting the
// unread tail to the front. Call this before appending more data once
// idx has grown large, to avoid unbounded growth from repeated
// small Append calls.
func (b *Buffer) Compact() {
	if b.idx == 0 {
		return
	}
	n := copy(b.data, b.data[b.idx:b.len])
	b.len = n
	b.idx = 0
}

// ReallocAtLeast grows the buffer's capacity to at least newCap,
// preserving existing bytes. It never shrinks.
func (b *Buffer) ReallocAtLeast(newCap int) {
	if cap(b.data) >= newCap {
		return
	}
	grown := make([]byte, newCap)
	copy(grown, b.data[:b.len])
	b.data = grown
}

// Append copies src onto the end of the buffer's valid region,
// growing capacity as needed.
func (b *Buffer) Append(src []byte) {
	need := b.len + len(src)
	if need > cap(b.data) {
		b.ReallocAtLeast(need)
	}
	copy(b.data[b.len:need], src)
	b.len = need
}

// Prepend shifts the current valid bytes right by len(src) and copies
// src to the front, growing capacity to at least minCap first if
// needed. Used when a salt or header must be reinserted ahead of
// bytes already buffered.
func (b *Buffer) Prepend(src []byte, minCap int) {
	need := b.len + len(src)
	if need > minCap {
		minCap = need
	}
	b.ReallocAtLeast(minCap)

	copy(b.data[len(src):len(src)+b.len], b.data[:b.len])
	copy(b.data[:len(src)], src)
	b.len += len(src)
	b.idx += len(src)
}

// Free releases the underlying array. The Buffer must not be used
// afterward.
func (b *Buffer) Free() {
	b.data = nil
	b.len = 0
	b.idx = 0
}
