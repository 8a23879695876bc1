package tcpframe

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NonBlockingConn is a connection whose reads never block.
type NonBlockingConn interface {
	NonBlockingReader
	io.Writer
	io.Closer
	RemoteAddr() net.Addr
}

// ReadinessWaiter is implemented by connections that can park the caller
// until more bytes may be readable.
type ReadinessWaiter interface {
	WaitReadable(ctx context.Context) error
}

// ErrNoReadiness is returned by Serve for connections without readiness notification.
var ErrNoReadiness = errors.New("connection does not report read readiness")

// NonBlockingChannel drives one connection under external readiness
// notification. It owns no goroutine: the driver calls PollRead whenever the
// connection may be readable and keeps calling it until it returns
// Incomplete.
//
// PollWrite blocks only while waiting for a buffer from the shared
// BufferPool. That wait is the sole blocking point of this type.
type NonBlockingChannel struct {
	conn      NonBlockingConn
	peer      Peer
	pool      *BufferPool
	assembler *Assembler
	logger    Logger

	opts options

	writeMu sync.Mutex
	encoder *Encoder

	closed atomic.Bool
}

// NewNonBlockingChannel wraps conn. Writes draw buffers from pool, which is
// usually shared by many channels; a nil pool gets a private one sized for
// the configured frame size.
func NewNonBlockingChannel(conn NonBlockingConn, pool *BufferPool, opt ...Option) (*NonBlockingChannel, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = NewBufferPool(DefaultMaxBuffers, opts.framing.MaxFrameSize+opts.framing.overhead()+1)
	}

	peer := PeerFromAddr(conn.RemoteAddr(), uuid.NewString())
	assembler := NewAssembler(opts.framing, peer)
	assembler.SetLogger(opts.logger)

	return &NonBlockingChannel{
		conn:      conn,
		peer:      peer,
		pool:      pool,
		assembler: assembler,
		logger:    opts.logger,
		opts:      opts,
		encoder:   NewEncoder(opts.framing),
	}, nil
}

// PollRead makes one assembly attempt with the bytes available now.
func (c *NonBlockingChannel) PollRead() Result {
	res := c.assembler.Step(c.conn)
	c.opts.metrics.result(c.opts.framing.Format, res)

	switch res.Status {
	case ClosedMidMessage:
		c.logger.Warn("connection closed mid message", "peer", c.peer.String())
	case Failed:
		c.logger.Warn("frame assembly failed", "peer", c.peer.String(), "error", res.Err)
	}
	return res
}

// PollWrite encodes payload into a pooled buffer and writes it as one frame.
// It waits for a buffer while the pool is exhausted; if ctx ends first the
// error matches ErrInterrupted. The buffer goes back to the pool on every
// path. A write failure closes the channel.
//
// A wire form larger than the pool's BufferSize is encoded into a fresh
// allocation instead; this is logged and counted as a pool overflow.
func (c *NonBlockingChannel) PollWrite(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	buf, err := c.pool.Get(ctx)
	if err != nil {
		c.logger.Debug("write buffer wait interrupted", "peer", c.peer.String(), "error", err)
		return err
	}
	defer c.pool.Put(buf)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	wire, err := c.encoder.Append(buf[:0], payload)
	if err != nil {
		return err
	}
	if len(wire) > len(buf) {
		c.logger.Warn("frame exceeds pooled write buffer", "peer", c.peer.String(), "size", len(wire), "buffer_size", len(buf))
		c.opts.metrics.poolOverflow()
	}
	if err := c.encoder.write(c.conn, wire); err != nil {
		c.logger.Debug("write error", "peer", c.peer.String(), "error", err)
		_ = c.Close()
		return err
	}
	c.opts.metrics.frameSent(c.opts.framing.Format)
	return nil
}

// Serve is a minimal driver for connections that implement
// ReadinessWaiter: it polls until Incomplete, waits for readiness and
// repeats, handing frames to the OnFrame callback in arrival order. It
// returns nil when the peer closes between frames and closes the
// connection before returning.
func (c *NonBlockingChannel) Serve(ctx context.Context) error {
	if c.opts.onFrame == nil {
		return ErrInvalidOnFrame
	}
	waiter, ok := c.conn.(ReadinessWaiter)
	if !ok {
		return ErrNoReadiness
	}
	defer c.Close()

	for {
		res := c.PollRead()

		switch res.Status {
		case Incomplete:
			if err := waiter.WaitReadable(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.Wrap(err, "wait readable")
			}
		case Complete:
			if err := c.opts.onFrame(res.Frame); err != nil {
				c.logger.Debug("frame handler error", "peer", c.peer.String(), "error", err)
				if c.opts.onError(err) == Disconnect {
					return err
				}
			}
		case ClosedBeforeData:
			return nil
		default:
			c.opts.onError(res.Err)
			return res.Err
		}
	}
}

// Close closes the connection. Safe to call multiple times.
func (c *NonBlockingChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// IsClosed returns true if the channel has been closed.
func (c *NonBlockingChannel) IsClosed() bool {
	return c.closed.Load()
}

// Peer returns the provenance stamped on every frame of this channel.
func (c *NonBlockingChannel) Peer() Peer {
	return c.peer
}

// Buffered reports bytes already read that may still yield frames.
func (c *NonBlockingChannel) Buffered() int {
	return c.assembler.Buffered()
}
