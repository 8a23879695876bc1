package tcpframe

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultMaxBuffers is the default number of write buffers in a BufferPool.
const DefaultMaxBuffers = 2

// BufferPool is a bounded set of pre-allocated write buffers shared by
// non-blocking writers. Buffers are handed out in the order they were
// returned. When every buffer is checked out, Get blocks until one is put
// back; this is the only place the non-blocking write path can block.
type BufferPool struct {
	free        chan []byte
	size        int
	outstanding atomic.Int32
	metrics     *Metrics
}

// NewBufferPool allocates maxBuffers buffers of bufferSize bytes.
// Non-positive arguments select DefaultMaxBuffers and
// DefaultMaxFrameSize plus room for framing bytes.
func NewBufferPool(maxBuffers, bufferSize int) *BufferPool {
	if maxBuffers <= 0 {
		maxBuffers = DefaultMaxBuffers
	}
	if bufferSize <= 0 {
		bufferSize = DefaultMaxFrameSize + 5
	}

	p := &BufferPool{
		free: make(chan []byte, maxBuffers),
		size: bufferSize,
	}
	for i := 0; i < maxBuffers; i++ {
		p.free <- make([]byte, bufferSize)
	}
	return p
}

// SetMetrics attaches pool metrics. Call it before the pool is shared.
func (p *BufferPool) SetMetrics(m *Metrics) {
	p.metrics = m
}

// Get checks out a buffer, waiting while the pool is exhausted.
// If ctx ends first the returned error matches ErrInterrupted.
func (p *BufferPool) Get(ctx context.Context) ([]byte, error) {
	start := time.Now()
	select {
	case buf := <-p.free:
		p.metrics.poolCheckout(time.Since(start), int(p.outstanding.Add(1)))
		return buf[:cap(buf)], nil
	default:
	}

	select {
	case buf := <-p.free:
		p.metrics.poolCheckout(time.Since(start), int(p.outstanding.Add(1)))
		return buf[:cap(buf)], nil
	case <-ctx.Done():
		return nil, &FrameError{Kind: KindInterrupted, Detail: "waiting for write buffer", Err: ctx.Err()}
	}
}

// Put returns a buffer obtained from Get. Every buffer must be returned
// exactly once.
func (p *BufferPool) Put(buf []byte) {
	n := p.outstanding.Add(-1)
	p.metrics.poolReturn(int(n))
	p.free <- buf[:cap(buf)]
}

// Outstanding returns the number of buffers currently checked out.
func (p *BufferPool) Outstanding() int {
	return int(p.outstanding.Load())
}

// Cap returns the number of buffers managed by the pool.
func (p *BufferPool) Cap() int {
	return cap(p.free)
}

// BufferSize returns the size of each pooled buffer.
func (p *BufferPool) BufferSize() int {
	return p.size
}
