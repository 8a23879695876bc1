// Package tcpframe splits TCP byte streams into frames and writes frames
// back, under a blocking goroutine-per-connection model or a non-blocking
// readiness-driven model. Both models share one Assembler/Encoder core and
// the FrameCodec extension point for custom formats.
package tcpframe

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by channel construction and operations.
var (
	// ErrInvalidCodec is returned when the Custom format has no codec.
	ErrInvalidCodec = errors.New("invalid codec callback")
	// ErrInvalidFormat is returned for an unknown Format value.
	ErrInvalidFormat = errors.New("invalid frame format")
	// ErrInvalidOnFrame is returned by Run and Serve when no frame handler is set.
	ErrInvalidOnFrame = errors.New("invalid on frame callback")
	// ErrConnectionClosed is returned when operating on a closed channel.
	ErrConnectionClosed = errors.New("connection closed")
)

// BlockingChannel drives one connection with a dedicated goroutine.
// The owner calls Receive in a loop (or Run, which does so and dispatches
// every frame synchronously). Send may be called from any goroutine; sends
// are serialized so frames never interleave on the wire.
type BlockingChannel struct {
	conn      net.Conn
	peer      Peer
	assembler *Assembler
	logger    Logger

	opts options

	writeMu sync.Mutex
	encoder *Encoder

	mu     sync.Mutex
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewBlockingChannel wraps conn. It applies the provided options and
// validates them before returning.
func NewBlockingChannel(conn net.Conn, opt ...Option) (*BlockingChannel, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	peer := PeerFromAddr(conn.RemoteAddr(), uuid.NewString())
	assembler := NewAssembler(opts.framing, peer)
	assembler.SetLogger(opts.logger)

	return &BlockingChannel{
		conn:      conn,
		peer:      peer,
		assembler: assembler,
		logger:    opts.logger,
		opts:      opts,
		encoder:   NewEncoder(opts.framing),
	}, nil
}

// Receive blocks until the next frame is assembled or the connection can
// produce no more frames. It never returns Incomplete.
func (c *BlockingChannel) Receive() Result {
	if c.opts.heartbeat > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))
	}

	res := c.assembler.Assemble(c.conn)
	c.opts.metrics.result(c.opts.framing.Format, res)

	switch res.Status {
	case ClosedMidMessage:
		c.logger.Warn("connection closed mid message", "peer", c.peer.String())
	case Failed:
		c.logger.Warn("frame assembly failed", "peer", c.peer.String(), "error", res.Err)
	}
	return res
}

// Send encodes payload and writes it as one frame. A write failure closes
// the channel; encoding failures leave it open.
func (c *BlockingChannel) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.heartbeat > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))
	}

	if err := c.encoder.WriteFrame(c.conn, payload); err != nil {
		if errors.Is(err, ErrIO) {
			c.logger.Debug("write error", "peer", c.peer.String(), "error", err)
			_ = c.Close()
		}
		return err
	}
	c.opts.metrics.frameSent(c.opts.framing.Format)
	return nil
}

// Run receives frames and hands each one to the OnFrame callback before
// reading the next, so frames are processed in arrival order. It blocks
// until the peer closes, a framing error occurs, or ctx is canceled, and
// closes the connection before returning. A clean close between frames
// returns nil.
func (c *BlockingChannel) Run(ctx context.Context) error {
	if c.opts.onFrame == nil {
		return ErrInvalidOnFrame
	}

	c.logger.Info("connection established", "peer", c.peer.String())
	c.logger.Debug("connection options", "peer", c.peer.String(),
		"format", c.opts.framing.Format.String(),
		"max_frame_size", c.opts.framing.MaxFrameSize,
		"heartbeat", c.opts.heartbeat)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel()
		return c.readLoop(child)
	})

	// Closing the connection is the only way to interrupt a blocked read.
	group.Go(func() error {
		<-child.Done()
		_ = c.Close()
		return nil
	})

	err := group.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "peer", c.peer.String(), "error", err)
	} else {
		c.logger.Info("connection closed", "peer", c.peer.String())
	}

	return err
}

// readLoop assembles frames and dispatches them until a terminal result.
func (c *BlockingChannel) readLoop(ctx context.Context) error {
	for {
		res := c.Receive()

		switch res.Status {
		case Complete:
			if err := c.opts.onFrame(res.Frame); err != nil {
				c.logger.Debug("frame handler error", "peer", c.peer.String(), "error", err)
				if c.opts.onError(err) == Disconnect {
					return err
				}
			}
		case ClosedBeforeData:
			return ctx.Err()
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.opts.onError(res.Err)
			return res.Err
		}
	}
}

// Close closes the connection. Any Receive in progress returns a close
// result. Safe to call multiple times.
func (c *BlockingChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.conn.Close()
}

// IsClosed returns true if the channel has been closed.
func (c *BlockingChannel) IsClosed() bool {
	return c.closed.Load()
}

// Peer returns the provenance stamped on every frame of this channel.
func (c *BlockingChannel) Peer() Peer {
	return c.peer
}

// Addr returns the remote address of the connection.
func (c *BlockingChannel) Addr() net.Addr {
	return c.conn.RemoteAddr()
}
