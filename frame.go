package tcpframe

import (
	"net"
	"strconv"
)

// Frame is one complete application-level message extracted from a byte stream.
// The payload is owned by the receiver; the assembler never reuses it.
type Frame struct {
	Payload []byte
	Peer    Peer
}

// Peer describes where a frame came from.
type Peer struct {
	Host         string
	Port         int
	ConnectionID string
}

// String returns host:port followed by the connection id, if any.
func (p Peer) String() string {
	s := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	if p.ConnectionID != "" {
		s += "#" + p.ConnectionID
	}
	return s
}

// PeerFromAddr builds a Peer from a remote address.
// Addresses that are not host:port pairs keep their string form as Host.
func PeerFromAddr(addr net.Addr, connectionID string) Peer {
	p := Peer{ConnectionID: connectionID}
	if addr == nil {
		return p
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		p.Host, p.Port = a.IP.String(), a.Port
	default:
		host, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			p.Host = addr.String()
			return p
		}
		p.Host = host
		p.Port, _ = strconv.Atoi(port)
	}
	return p
}

// FrameCodec is the extension point for the Custom format.
//
// Decode follows the bufio.SplitFunc contract: it inspects the unconsumed
// bytes buffered for the connection and returns the number of bytes to
// consume and, once a frame is complete, its payload. Returning advance == 0
// with a nil payload asks for more data. atEOF reports that the peer closed
// the stream and no more bytes will follow.
//
// Append writes the wire form of payload to dst.
type FrameCodec interface {
	Decode(buf []byte, atEOF bool) (advance int, payload []byte, err error)
	Append(dst, payload []byte) ([]byte, error)
}
