//go:build unix

package tcpframe

import (
	"context"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RawEndpoint exposes a Go socket as a NonBlockingConn. Reads go straight
// to the descriptor, which the runtime keeps in non-blocking mode, and
// WaitReadable parks on the runtime netpoller instead of a dedicated
// goroutine per connection.
type RawEndpoint struct {
	conn net.Conn
	raw  syscall.RawConn
}

// NewRawEndpoint wraps conn, which must implement syscall.Conn
// (*net.TCPConn and *net.UnixConn do).
func NewRawEndpoint(conn net.Conn) (*RawEndpoint, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errors.Errorf("%T does not expose its descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "syscall conn")
	}
	return &RawEndpoint{conn: conn, raw: raw}, nil
}

// TryRead reads whatever is available without waiting. It returns
// ErrWouldBlock when the socket has nothing and io.EOF after the peer's FIN.
func (e *RawEndpoint) TryRead(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var (
		n     int
		opErr error
	)
	err := e.raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}

	switch {
	case opErr == unix.EAGAIN || opErr == unix.EWOULDBLOCK || opErr == unix.EINTR:
		return 0, ErrWouldBlock
	case opErr != nil:
		return 0, os.NewSyscallError("read", opErr)
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// WaitReadable blocks until the socket has bytes, the peer closed, or ctx
// ends. Readability is probed with a peeking receive so data that arrived
// before the call is not missed.
func (e *RawEndpoint) WaitReadable(ctx context.Context) error {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = e.conn.SetReadDeadline(time.Now())
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
			_ = e.conn.SetReadDeadline(time.Time{})
		}
	}()

	var probe [1]byte
	err := e.raw.Read(func(fd uintptr) bool {
		_, _, perr := unix.Recvfrom(int(fd), probe[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		return perr != unix.EAGAIN && perr != unix.EWOULDBLOCK
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Write writes all of p.
func (e *RawEndpoint) Write(p []byte) (int, error) {
	return e.conn.Write(p)
}

// Close closes the underlying connection.
func (e *RawEndpoint) Close() error {
	return e.conn.Close()
}

// RemoteAddr returns the peer address.
func (e *RawEndpoint) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}
