// Package varintframe is a tcpframe.FrameCodec that prefixes each payload
// with its length as an unsigned varint, the framing used by multiformats
// and libp2p streams.
package varintframe

import (
	"fmt"

	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"

	"github.com/Zereker/tcpframe"
)

// Codec frames payloads as <uvarint length><payload>.
type Codec struct {
	// MaxSize rejects announced lengths above it before the payload
	// arrives. Zero leaves the check to the assembler's MaxFrameSize.
	MaxSize int
}

var _ tcpframe.FrameCodec = (*Codec)(nil)

// New returns a codec that rejects frames larger than maxSize.
func New(maxSize int) *Codec {
	return &Codec{MaxSize: maxSize}
}

// Decode implements tcpframe.FrameCodec.
func (c *Codec) Decode(buf []byte, atEOF bool) (int, []byte, error) {
	size, n, err := varint.FromUvarint(buf)
	if errors.Is(err, varint.ErrUnderflow) {
		// The length prefix itself is still incomplete.
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, &tcpframe.FrameError{Kind: tcpframe.KindProtocolViolation, Detail: "length prefix", Err: err}
	}
	if c.MaxSize > 0 && size > uint64(c.MaxSize) {
		return 0, nil, &tcpframe.FrameError{
			Kind:   tcpframe.KindFrameTooLarge,
			Detail: fmt.Sprintf("message length %d exceeds max message length %d", size, c.MaxSize),
		}
	}
	if uint64(len(buf)-n) < size {
		return 0, nil, nil
	}

	end := n + int(size)
	return end, buf[n:end], nil
}

// Append implements tcpframe.FrameCodec.
func (c *Codec) Append(dst, payload []byte) ([]byte, error) {
	if c.MaxSize > 0 && len(payload) > c.MaxSize {
		return dst, tcpframe.ErrFrameTooLarge
	}
	dst = append(dst, varint.ToUvarint(uint64(len(payload)))...)
	return append(dst, payload...), nil
}
