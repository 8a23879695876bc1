package tcpframe

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory NonBlockingConn.
type fakeConn struct {
	mu       sync.Mutex
	src      chunkSource
	written  bytes.Buffer
	writeErr error
	closed   atomic.Bool
}

func (c *fakeConn) feed(b []byte) {
	c.mu.Lock()
	c.src.push(b)
	c.mu.Unlock()
}

func (c *fakeConn) hangUp() {
	c.mu.Lock()
	c.src.eof = true
	c.mu.Unlock()
}

func (c *fakeConn) TryRead(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.src.TryRead(p)
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.written.Write(p)
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 5000}
}

// waitingConn adds readiness notification to fakeConn.
type waitingConn struct {
	*fakeConn
	ready chan struct{}
}

func newWaitingConn() *waitingConn {
	return &waitingConn{fakeConn: &fakeConn{}, ready: make(chan struct{}, 1)}
}

func (c *waitingConn) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *waitingConn) WaitReadable(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestNonBlockingChannel_PollRead(t *testing.T) {
	conn := &fakeConn{}
	ch, err := NewNonBlockingChannel(conn, nil, FormatOption(Delimited))
	require.NoError(t, err)

	assert.Equal(t, Incomplete, ch.PollRead().Status)

	wire := mustEncode(t, Framing{Format: Delimited}, []byte("a"), []byte("bc"))
	conn.feed(wire[:4])
	res := ch.PollRead()
	require.Equal(t, Complete, res.Status)
	assert.Equal(t, "a", string(res.Frame.Payload))
	assert.Equal(t, "192.0.2.1", res.Frame.Peer.Host)
	assert.NotEmpty(t, res.Frame.Peer.ConnectionID)
	assert.Equal(t, ch.Peer(), res.Frame.Peer)

	assert.Equal(t, Incomplete, ch.PollRead().Status)

	conn.feed(wire[4:])
	res = ch.PollRead()
	require.Equal(t, Complete, res.Status)
	assert.Equal(t, "bc", string(res.Frame.Payload))

	conn.hangUp()
	assert.Equal(t, ClosedBeforeData, ch.PollRead().Status)
}

func TestNonBlockingChannel_PollWrite(t *testing.T) {
	conn := &fakeConn{}
	pool := NewBufferPool(1, 64)
	ch, err := NewNonBlockingChannel(conn, pool)
	require.NoError(t, err)

	require.NoError(t, ch.PollWrite(context.Background(), []byte("PING")))
	assert.Equal(t, []byte{0, 0, 0, 4, 'P', 'I', 'N', 'G'}, conn.written.Bytes())
	assert.Zero(t, pool.Outstanding())
}

func TestNonBlockingChannel_PollWriteReturnsBufferOnEncodeError(t *testing.T) {
	conn := &fakeConn{}
	pool := NewBufferPool(1, 64)
	ch, err := NewNonBlockingChannel(conn, pool, FormatOption(Delimited))
	require.NoError(t, err)

	err = ch.PollWrite(context.Background(), []byte{'a', ETX})
	assert.True(t, errors.Is(err, ErrProtocolViolation))
	assert.Zero(t, pool.Outstanding())
	assert.False(t, ch.IsClosed(), "an encoding error leaves the channel open")

	require.NoError(t, ch.PollWrite(context.Background(), []byte("ok")))
}

func TestNonBlockingChannel_PollWriteFailureCloses(t *testing.T) {
	conn := &fakeConn{writeErr: errors.New("connection reset")}
	pool := NewBufferPool(1, 64)
	ch, err := NewNonBlockingChannel(conn, pool)
	require.NoError(t, err)

	err = ch.PollWrite(context.Background(), []byte("x"))
	assert.True(t, errors.Is(err, ErrIO))
	assert.Zero(t, pool.Outstanding())
	assert.True(t, ch.IsClosed())
	assert.True(t, conn.closed.Load())

	assert.Equal(t, ErrConnectionClosed, ch.PollWrite(context.Background(), []byte("x")))
}

func TestNonBlockingChannel_PollWriteInterrupted(t *testing.T) {
	conn := &fakeConn{}
	pool := NewBufferPool(1, 64)
	ch, err := NewNonBlockingChannel(conn, pool)
	require.NoError(t, err)

	held, err := pool.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.PollWrite(ctx, []byte("x")) }()

	select {
	case err := <-done:
		t.Fatalf("PollWrite returned while the pool was exhausted: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrInterrupted))
	case <-time.After(5 * time.Second):
		t.Fatal("PollWrite ignored cancellation")
	}
	assert.Zero(t, conn.written.Len())

	pool.Put(held)
	assert.Zero(t, pool.Outstanding())
}

func TestNonBlockingChannel_SharedPoolWritesDoNotInterleave(t *testing.T) {
	pool := NewBufferPool(2, 64)
	f := Framing{Format: Delimited}

	conns := make([]*fakeConn, 4)
	chans := make([]*NonBlockingChannel, 4)
	for i := range conns {
		conns[i] = &fakeConn{}
		ch, err := NewNonBlockingChannel(conns[i], pool, FormatOption(Delimited))
		require.NoError(t, err)
		chans[i] = ch
	}

	var wg sync.WaitGroup
	for _, ch := range chans {
		ch := ch
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					if err := ch.PollWrite(context.Background(), []byte("0123456789")); err != nil {
						t.Error(err)
						return
					}
				}
			}()
		}
	}
	wg.Wait()
	assert.Zero(t, pool.Outstanding())

	for _, conn := range conns {
		a := NewAssembler(f, Peer{})
		r := bytes.NewReader(conn.written.Bytes())
		frames := 0
		for {
			res := a.Assemble(r)
			if res.Status != Complete {
				assert.Equal(t, ClosedBeforeData, res.Status, "%v", res.Err)
				break
			}
			assert.Equal(t, "0123456789", string(res.Frame.Payload))
			frames++
		}
		assert.Equal(t, 100, frames)
	}
}

func TestNonBlockingChannel_ServeRequirements(t *testing.T) {
	ch, err := NewNonBlockingChannel(&fakeConn{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ErrInvalidOnFrame, ch.Serve(context.Background()))

	ch, err = NewNonBlockingChannel(&fakeConn{}, nil, OnFrameOption(func(Frame) error { return nil }))
	require.NoError(t, err)
	assert.Equal(t, ErrNoReadiness, ch.Serve(context.Background()))
}

func TestNonBlockingChannel_Serve(t *testing.T) {
	conn := newWaitingConn()
	frames := make(chan string, 8)
	ch, err := NewNonBlockingChannel(conn, nil,
		FormatOption(LineTerminated),
		OnFrameOption(func(f Frame) error {
			frames <- string(f.Payload)
			return nil
		}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ch.Serve(context.Background()) }()

	conn.feed([]byte("one\r\ntw"))
	conn.signal()
	assert.Equal(t, "one", <-frames)

	conn.feed([]byte("o\r\nthree\r\n"))
	conn.signal()
	assert.Equal(t, "two", <-frames)
	assert.Equal(t, "three", <-frames)

	conn.hangUp()
	conn.signal()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after hang up")
	}
	assert.True(t, conn.closed.Load())
}

func TestNonBlockingChannel_ServeCanceled(t *testing.T) {
	conn := newWaitingConn()
	ch, err := NewNonBlockingChannel(conn, nil, OnFrameOption(func(Frame) error { return nil }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Serve ignored cancellation")
	}
	assert.True(t, ch.IsClosed())
}

func TestNonBlockingChannel_ServeFailure(t *testing.T) {
	conn := newWaitingConn()
	var reported error
	ch, err := NewNonBlockingChannel(conn, nil,
		FormatOption(Delimited),
		OnFrameOption(func(Frame) error { return nil }),
		OnErrorOption(func(err error) ErrorAction {
			reported = err
			return Disconnect
		}))
	require.NoError(t, err)

	conn.feed([]byte("not framed"))
	err = ch.Serve(context.Background())
	assert.True(t, errors.Is(err, ErrProtocolViolation))
	assert.Equal(t, err, reported)
}

func TestNonBlockingChannel_HandlerErrorContinue(t *testing.T) {
	conn := newWaitingConn()
	var calls int
	ch, err := NewNonBlockingChannel(conn, nil,
		FormatOption(LineTerminated),
		OnFrameOption(func(f Frame) error {
			calls++
			return errors.New("handler failed")
		}),
		OnErrorOption(func(error) ErrorAction { return Continue }))
	require.NoError(t, err)

	conn.feed([]byte("a\r\nb\r\n"))
	conn.hangUp()
	require.NoError(t, ch.Serve(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestNonBlockingChannel_Buffered(t *testing.T) {
	conn := &fakeConn{}
	ch, err := NewNonBlockingChannel(conn, nil, FormatOption(Delimited))
	require.NoError(t, err)

	conn.feed([]byte{STX, 'a', ETX, STX, 'b', ETX})
	require.Equal(t, Complete, ch.PollRead().Status)
	assert.Equal(t, 3, ch.Buffered())
	require.Equal(t, Complete, ch.PollRead().Status)
	assert.Zero(t, ch.Buffered())
}

func TestNonBlockingChannel_InvalidOptions(t *testing.T) {
	_, err := NewNonBlockingChannel(&fakeConn{}, nil, FormatOption(Custom))
	assert.Equal(t, ErrInvalidCodec, err)
}

func TestNonBlockingChannel_PollWriteLargerThanPoolBuffer(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	logger := &mockLogger{}

	conn := &fakeConn{}
	pool := NewBufferPool(1, 4)
	ch, err := NewNonBlockingChannel(conn, pool, LoggerOption(logger), MetricsOption(m))
	require.NoError(t, err)

	require.NoError(t, ch.PollWrite(context.Background(), []byte("0123456789")))
	assert.Equal(t, append([]byte{0, 0, 0, 10}, "0123456789"...), conn.written.Bytes())
	assert.Zero(t, pool.Outstanding())
	assert.True(t, logger.warnCalled)
	assert.Equal(t, "frame exceeds pooled write buffer", logger.lastMsg)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolOverflows))

	logger.warnCalled = false
	require.NoError(t, ch.PollWrite(context.Background(), nil))
	assert.False(t, logger.warnCalled, "a frame that fits uses the pooled buffer")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolOverflows))
}
