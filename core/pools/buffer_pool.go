package pools

import (
	"sync"
	"sync/atomic"

	"github.com/netreactor/webserv/core/buffer"
)

// Buffers that grew past this are not pooled; one pathological request must
// not pin a large allocation for the lifetime of the pool.
const maxPooledBufferCap = 64 * 1024

// BufferPool recycles connection I/O buffers across accept/close cycles so a
// busy server does not allocate two fresh buffers per connection.
type BufferPool struct {
	pool sync.Pool

	gets   atomic.Uint64
	allocs atomic.Uint64
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	bp := &BufferPool{}
	bp.pool.New = func() any {
		bp.allocs.Add(1)
		return buffer.New()
	}
	return bp
}

// Get returns an empty buffer, reusing a released one when available.
func (bp *BufferPool) Get() *buffer.Buffer {
	bp.gets.Add(1)
	return bp.pool.Get().(*buffer.Buffer)
}

// Put returns a buffer for reuse. Oversized buffers are dropped for the GC.
func (bp *BufferPool) Put(b *buffer.Buffer) {
	if b == nil || b.Capacity() > maxPooledBufferCap {
		return
	}
	b.RetrieveAll()
	bp.pool.Put(b)
}

// BufferStats reports pool reuse effectiveness.
type BufferStats struct {
	Gets    uint64
	Allocs  uint64
	HitRate float64
}

// Stats returns reuse counters for the pool.
func (bp *BufferPool) Stats() BufferStats {
	gets := bp.gets.Load()
	allocs := bp.allocs.Load()
	s := BufferStats{Gets: gets, Allocs: allocs}
	if gets > 0 {
		s.HitRate = float64(gets-allocs) / float64(gets)
	}
	return s
}

var globalBufferPool = NewBufferPool()

// AcquireBuffer gets a buffer from the process-wide pool.
func AcquireBuffer() *buffer.Buffer {
	return globalBufferPool.Get()
}

// ReleaseBuffer returns a buffer to the process-wide pool.
func ReleaseBuffer(b *buffer.Buffer) {
	globalBufferPool.Put(b)
}

// GetBufferStats returns reuse counters for the process-wide pool.
func GetBufferStats() BufferStats {
	return globalBufferPool.Stats()
}
