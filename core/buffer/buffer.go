// Package buffer provides the growable byte buffer that backs all socket I/O.
//
// A Buffer keeps two cursors into one backing slice: bytes in
// [readPos, writePos) are readable, bytes in [writePos, len) are writable,
// and bytes in [0, readPos) were already consumed and can be reclaimed by
// compaction before the buffer ever grows.
package buffer

import (
	"golang.org/x/sys/unix"
)

// InitialSize is the backing capacity a fresh Buffer starts with.
const InitialSize = 1024

// stackReadSize is the size of the fallback region used by ReadFd so one
// readv call can absorb more than the current writable capacity.
const stackReadSize = 4096

// Buffer is a growable byte container with separate read and write cursors.
// It is not safe for concurrent use; callers serialize access externally.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// New creates a Buffer with the default initial capacity.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize creates a Buffer with the given initial capacity.
func NewSize(size int) *Buffer {
	if size <= 0 {
		size = InitialSize
	}
	return &Buffer{buf: make([]byte, size)}
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.writePos - b.readPos }

// WritableBytes returns the number of bytes that can be appended without
// growing or compacting.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writePos }

// PrependableBytes returns the number of already-consumed bytes at the front
// that compaction can reclaim.
func (b *Buffer) PrependableBytes() int { return b.readPos }

// Capacity returns the total size of the backing slice.
func (b *Buffer) Capacity() int { return len(b.buf) }

// Peek returns the readable region without consuming it. The slice aliases
// the buffer and is invalidated by the next Append or EnsureWritable.
func (b *Buffer) Peek() []byte { return b.buf[b.readPos:b.writePos] }

// Retrieve marks n readable bytes as consumed. If n is at least the readable
// length the buffer is reset instead; the cursor never passes writePos.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readPos += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll marks everything consumed and collapses both cursors to zero.
// No data is cleared.
func (b *Buffer) RetrieveAll() {
	b.readPos = 0
	b.writePos = 0
}

// RetrieveAllString snapshots the readable region as a string, then resets.
func (b *Buffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// EnsureWritable grows or compacts so that at least n bytes are writable.
// If the writable plus prependable space cannot hold n the backing slice is
// extended to writePos+n with data kept in place; otherwise the readable
// region is copied to the front, reclaiming consumed space before any growth.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.WritableBytes()+b.PrependableBytes() < n {
		grown := make([]byte, b.writePos+n)
		copy(grown, b.buf[:b.writePos])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf, b.buf[b.readPos:b.writePos])
	b.readPos = 0
	b.writePos = readable
}

// Append copies p into the buffer, growing as needed.
func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	copy(b.buf[b.writePos:], p)
	b.writePos += len(p)
}

// AppendString copies s into the buffer.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	copy(b.buf[b.writePos:], s)
	b.writePos += len(s)
}

// AppendBuffer copies the readable region of other into the buffer.
func (b *Buffer) AppendBuffer(other *Buffer) {
	b.Append(other.Peek())
}

// ReadFd performs a single scatter read from fd into the writable region and
// a fixed-size fallback region. If the read fits in the writable region only
// the write cursor advances; otherwise the buffer is filled and the overflow
// is appended, triggering growth. Returns the byte count from the syscall;
// a zero count with a nil error means the peer closed or nothing was
// available on this call.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var fallback [stackReadSize]byte
	writable := b.WritableBytes()
	iov := [2][]byte{b.buf[b.writePos:], fallback[:]}

	n, err := unix.Readv(fd, iov[:])
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.writePos += n
	} else {
		b.writePos = len(b.buf)
		b.Append(fallback[:n-writable])
	}
	return n, nil
}

// WriteFd performs a single write of the readable region to fd, advancing the
// read cursor by the amount written. Cursors are untouched on error.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return -1, err
	}
	b.readPos += n
	return n, nil
}
