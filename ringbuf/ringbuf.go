// Package ringbuf implements a fixed capacity circular byte buffer, which
// exposes its free space and pending data as scatter/gather vectors, for use
// with vectored reads and writes (see iomux.Buffer).
package ringbuf

import (
	"errors"
	"fmt"
)

// ErrTooLarge is returned by Buffer.Write if p does not fit.
var ErrTooLarge = errors.New("ringbuf: write too large")

// Buffer is a circular byte buffer with a power of two capacity. Data is
// appended at the write cursor (by Write, or a vectored read followed by
// AfterRead), and consumed from the read cursor (by Read/Discard, or a
// vectored write followed by AfterWrite).
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	buf      []byte
	rv       [2][]byte
	wv       [2][]byte
	mask     int
	readPos  int
	writePos int
}

// New returns a buffer with the given capacity, rounded up to a power of
// two.
func New(capacity int) *Buffer {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &Buffer{buf: make([]byte, size), mask: size - 1}
}

// Cap returns the capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of pending bytes.
func (b *Buffer) Len() int { return b.writePos - b.readPos }

// Free returns the number of bytes that may be appended.
func (b *Buffer) Free() int { return b.Cap() - b.Len() }

// Reset discards all pending data.
func (b *Buffer) Reset() {
	b.readPos = 0
	b.writePos = 0
}

// Write appends all of p, or nothing, returning ErrTooLarge if p exceeds the
// free space.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Free() {
		return 0, ErrTooLarge
	}
	n := 0
	for _, seg := range b.ReadVector() {
		n += copy(seg, p[n:])
		if n == len(p) {
			break
		}
	}
	b.writePos += n
	return n, nil
}

// Read moves up to len(p) pending bytes into p.
func (b *Buffer) Read(p []byte) (int, error) {
	n := 0
	for _, seg := range b.WriteVector() {
		n += copy(p[n:], seg)
		if n == len(p) {
			break
		}
	}
	b.readPos += n
	return n, nil
}

// Peek returns up to n pending bytes without consuming them. The result
// aliases the buffer unless the data wraps, in which case it is a copy.
func (b *Buffer) Peek(n int) []byte {
	if n <= 0 {
		return nil
	}
	n = min(n, b.Len())
	start := b.readPos & b.mask
	end := start + n
	if end <= len(b.buf) {
		return b.buf[start:end]
	}
	out := make([]byte, n)
	l := copy(out, b.buf[start:])
	copy(out[l:], b.buf[:n-l])
	return out
}

// Discard consumes up to n pending bytes, returning the number consumed.
func (b *Buffer) Discard(n int) int {
	n = max(0, min(n, b.Len()))
	b.readPos += n
	return n
}

// ReadVector returns the free space, as at most two slices, to be filled by
// a vectored read. The slices are valid until the buffer is next modified.
func (b *Buffer) ReadVector() [][]byte {
	free := b.Free()
	if free == 0 {
		return nil
	}
	return split(&b.rv, b.buf, b.writePos&b.mask, free)
}

// WriteVector returns the pending data, as at most two slices, to be
// drained by a vectored write. The slices are valid until the buffer is next
// modified.
func (b *Buffer) WriteVector() [][]byte {
	pending := b.Len()
	if pending == 0 {
		return nil
	}
	return split(&b.wv, b.buf, b.readPos&b.mask, pending)
}

// AfterRead commits n bytes, written into the slices from ReadVector.
// It panics if n exceeds the free space.
func (b *Buffer) AfterRead(n int) {
	if n < 0 || n > b.Free() {
		panic(fmt.Errorf("ringbuf: after read %d exceeds free space %d", n, b.Free()))
	}
	b.writePos += n
}

// AfterWrite consumes n bytes, drained from the slices from WriteVector.
// It panics if n exceeds the pending data.
func (b *Buffer) AfterWrite(n int) {
	if n < 0 || n > b.Len() {
		panic(fmt.Errorf("ringbuf: after write %d exceeds pending data %d", n, b.Len()))
	}
	b.readPos += n
}

func split(dst *[2][]byte, buf []byte, start, n int) [][]byte {
	first := min(n, len(buf)-start)
	dst[0] = buf[start : start+first]
	if first == n {
		dst[1] = nil
		return dst[:1]
	}
	dst[1] = buf[:n-first]
	return dst[:2]
}
