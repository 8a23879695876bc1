package tcpframe

import (
	"io"
	"net"
	"testing"
	"time"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// chunkSource is a NonBlockingReader that delivers queued chunks one per
// push, reporting ErrWouldBlock in between.
type chunkSource struct {
	buf []byte
	eof bool
	err error
}

func (s *chunkSource) push(b []byte) { s.buf = append(s.buf, b...) }

func (s *chunkSource) TryRead(p []byte) (int, error) {
	if len(s.buf) == 0 {
		switch {
		case s.err != nil:
			return 0, s.err
		case s.eof:
			return 0, io.EOF
		default:
			return 0, ErrWouldBlock
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// fragmentReader is a blocking reader that returns at most one fragment per Read.
type fragmentReader struct {
	frags [][]byte
}

func (r *fragmentReader) Read(p []byte) (int, error) {
	for len(r.frags) > 0 && len(r.frags[0]) == 0 {
		r.frags = r.frags[1:]
	}
	if len(r.frags) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.frags[0])
	r.frags[0] = r.frags[0][n:]
	return n, nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, nil }

// byteLenCodec frames payloads behind a single length byte.
type byteLenCodec struct{}

func (byteLenCodec) Decode(buf []byte, atEOF bool) (int, []byte, error) {
	if len(buf) == 0 {
		return 0, nil, nil
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return 0, nil, nil
	}
	return 1 + n, buf[1 : 1+n], nil
}

func (byteLenCodec) Append(dst, payload []byte) ([]byte, error) {
	if len(payload) > 255 {
		return dst, ErrFrameTooLarge
	}
	dst = append(dst, byte(len(payload)))
	return append(dst, payload...), nil
}

// testFramings covers every format, Custom through byteLenCodec.
func testFramings() []Framing {
	return []Framing{
		{Format: LengthPrefixed},
		{Format: Delimited},
		{Format: LineTerminated},
		{Format: SerializedObjectStream},
		{Format: Custom, Codec: byteLenCodec{}},
	}
}

func mustEncode(t *testing.T, f Framing, payloads ...[]byte) []byte {
	t.Helper()
	enc := NewEncoder(f)
	var wire []byte
	for _, p := range payloads {
		var err error
		wire, err = enc.Append(wire, p)
		if err != nil {
			t.Fatalf("encode %s: %v", f.Format, err)
		}
	}
	return wire
}
