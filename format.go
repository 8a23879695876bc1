package tcpframe

import (
	"strings"

	"github.com/pkg/errors"
)

// Format identifies a wire convention used to mark frame boundaries.
type Format uint8

const (
	// LengthPrefixed frames carry a 4-byte unsigned big-endian length header.
	LengthPrefixed Format = iota
	// Delimited frames are wrapped in STX (0x02) and ETX (0x03) marker bytes.
	Delimited
	// LineTerminated frames end with CRLF.
	LineTerminated
	// SerializedObjectStream frames are values of a gob stream bound to the connection.
	SerializedObjectStream
	// Custom frames are handled by a caller supplied FrameCodec.
	Custom
)

// Wire constants shared by the assembler and the encoder.
const (
	STX byte = 0x02
	ETX byte = 0x03
	CR  byte = '\r'
	LF  byte = '\n'

	// lengthHeaderSize is the size of the LengthPrefixed header.
	lengthHeaderSize = 4

	// DefaultMaxFrameSize bounds every length-limited format unless overridden.
	DefaultMaxFrameSize = 61440
)

var formatNames = [...]string{
	LengthPrefixed:         "length-prefixed",
	Delimited:              "delimited",
	LineTerminated:         "line-terminated",
	SerializedObjectStream: "object-stream",
	Custom:                 "custom",
}

// String returns the stable lowercase name of the format.
func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return "unknown"
}

// ParseFormat is the inverse of Format.String.
func ParseFormat(s string) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for f, n := range formatNames {
		if n == name {
			return Format(f), nil
		}
	}
	return 0, errors.Errorf("unknown frame format %q", s)
}

// Framing is the immutable framing configuration of one connection.
// Assemblers and encoders copy it at construction.
type Framing struct {
	Format Format
	// MaxFrameSize bounds a single frame; values <= 0 select DefaultMaxFrameSize.
	MaxFrameSize int
	// Codec implements the Custom format. It is ignored by the built-in formats.
	Codec FrameCodec
}

func (f Framing) withDefaults() Framing {
	if f.MaxFrameSize <= 0 {
		f.MaxFrameSize = DefaultMaxFrameSize
	}
	return f
}

// overhead returns the number of framing bytes added around a payload.
func (f Framing) overhead() int {
	switch f.Format {
	case LengthPrefixed:
		return lengthHeaderSize
	case Delimited, LineTerminated:
		return 2
	default:
		return 0
	}
}
