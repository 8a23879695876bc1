package tcpframe

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Handler handles the frames of connections accepted by a Server.
// Handle runs on the connection's own goroutine; the next frame is not read
// until it returns.
type Handler interface {
	Handle(ch *BlockingChannel, f Frame) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ch *BlockingChannel, f Frame) error

// Handle calls fn(ch, f).
func (fn HandlerFunc) Handle(ch *BlockingChannel, f Frame) error { return fn(ch, f) }

// Server accepts TCP connections and runs one BlockingChannel per
// connection on its own goroutine.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	maxConnections  int
	channelOpts     []Option

	mu          sync.Mutex
	shutdown    bool
	live        map[*BlockingChannel]struct{}
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server stops accepting and gives live
// connections up to this duration to finish before closing them.
// Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerMaxConnectionsOption bounds the number of connections served at
// once. Accepting pauses while the bound is reached. Zero means unbounded.
func ServerMaxConnectionsOption(n int) ServerOption {
	return func(s *Server) {
		s.maxConnections = n
	}
}

// ChannelOptions sets the options of every accepted connection's channel.
// OnFrameOption is overridden by the Server's handler.
func ChannelOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.channelOpts = append(s.channelOpts, opts...)
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound or the channel options
// are invalid.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:      defaultLogger(),
		live:        make(map[*BlockingChannel]struct{}),
		shutdownNow: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := buildOptions(s.channelOpts); err != nil {
		return nil, err
	}

	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}
	s.listener = listener
	return s, nil
}

// Serve accepts connections and runs each one until the peer leaves or the
// server shuts down. It blocks until ctx is canceled, Close is called, or
// accepting fails, and waits for every connection goroutine to finish.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	var group errgroup.Group
	if s.maxConnections > 0 {
		group.SetLimit(s.maxConnections)
	}

	stopped := make(chan struct{})
	defer close(stopped)

	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}

		// Stop accepting right away; live connections get the grace period.
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = s.listener.SetDeadline(time.Now())

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			case <-stopped:
			}
		}
		cancelConns()
	}()

	var err error
	for {
		conn, acceptErr := s.listener.AcceptTCP()
		if acceptErr != nil {
			if s.isShutdown() {
				err = ctx.Err()
				break
			}
			var netErr net.Error
			if errors.As(acceptErr, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", acceptErr)
			err = acceptErr
			break
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		ch, chErr := s.newChannel(conn, handler)
		if chErr != nil {
			s.logger.Error("channel setup failed", "error", chErr)
			_ = conn.Close()
			continue
		}

		group.Go(func() error {
			defer s.untrack(ch)
			if runErr := ch.Run(connCtx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				s.logger.Debug("connection ended", "peer", ch.Peer().String(), "error", runErr)
			}
			return nil
		})
	}

	// Without a canceled context there is no grace period to honor.
	if ctx.Err() == nil {
		cancelConns()
	}
	_ = group.Wait()
	_ = s.listener.Close()
	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return err
}

func (s *Server) newChannel(conn *net.TCPConn, handler Handler) (*BlockingChannel, error) {
	var ch *BlockingChannel
	opts := append(append([]Option(nil), s.channelOpts...), OnFrameOption(func(f Frame) error {
		return handler.Handle(ch, f)
	}))

	ch, err := NewBlockingChannel(conn, opts...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.live[ch] = struct{}{}
	s.mu.Unlock()
	return ch, nil
}

func (s *Server) untrack(ch *BlockingChannel) {
	s.mu.Lock()
	delete(s.live, ch)
	s.mu.Unlock()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Connections returns the number of connections currently served.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close stops the server immediately: it bypasses any remaining shutdown
// timeout and closes the listener and every live connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	live := make([]*BlockingChannel, 0, len(s.live))
	for ch := range s.live {
		live = append(live, ch)
	}
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	for _, ch := range live {
		err = multierr.Append(err, ch.Close())
	}
	return err
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
