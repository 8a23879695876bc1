package tcpframe

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
)

// Encoder serializes outgoing payloads for one connection.
//
// The byte formats are stateless; the object stream keeps a gob encoder
// bound to the connection so type information is sent once. After a failed
// write the encoder refuses further work until Reset, because the peer may
// have seen part of a frame.
type Encoder struct {
	framing Framing

	gob     *gobWriteState
	invalid bool
}

// NewEncoder creates an encoder for one connection.
func NewEncoder(f Framing) *Encoder {
	return &Encoder{framing: f.withDefaults()}
}

// Framing returns the framing configuration the encoder was built with.
func (e *Encoder) Framing() Framing { return e.framing }

// Append appends the wire form of payload to dst.
func (e *Encoder) Append(dst, payload []byte) ([]byte, error) {
	if e.invalid {
		return dst, ErrEncoderInvalidated
	}
	if len(payload) > e.framing.MaxFrameSize {
		return dst, frameTooLarge("payload of %d bytes exceeds max message length %d", len(payload), e.framing.MaxFrameSize)
	}

	switch e.framing.Format {
	case LengthPrefixed:
		if uint64(len(payload)) > math.MaxUint32 {
			return dst, frameTooLarge("payload of %d bytes does not fit a 4 byte header", len(payload))
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
		return append(dst, payload...), nil

	case Delimited:
		if bytes.IndexByte(payload, ETX) >= 0 {
			return dst, protocolViolation("payload contains ETX")
		}
		dst = append(dst, STX)
		dst = append(dst, payload...)
		return append(dst, ETX), nil

	case LineTerminated:
		if bytes.Contains(payload, crlf) || (len(payload) > 0 && payload[len(payload)-1] == CR) {
			return dst, protocolViolation("payload contains a line terminator")
		}
		dst = append(dst, payload...)
		return append(dst, CR, LF), nil

	case SerializedObjectStream:
		if e.gob == nil {
			e.gob = &gobWriteState{}
		}
		out, err := e.gob.append(dst, payload)
		if err != nil {
			return dst, &FrameError{Kind: KindProtocolViolation, Detail: "encode object", Err: err}
		}
		return out, nil

	case Custom:
		if e.framing.Codec == nil {
			return dst, unsupported(Custom)
		}
		return e.framing.Codec.Append(dst, payload)

	default:
		return dst, unsupported(e.framing.Format)
	}
}

// Encode returns the wire form of payload in a new slice.
func (e *Encoder) Encode(payload []byte) ([]byte, error) {
	return e.Append(nil, payload)
}

// WriteFrame encodes payload and delivers it with a single Write.
// A frame is either fully written or the encoder is invalidated.
func (e *Encoder) WriteFrame(w io.Writer, payload []byte) error {
	wire, err := e.Encode(payload)
	if err != nil {
		return err
	}
	return e.write(w, wire)
}

func (e *Encoder) write(w io.Writer, wire []byte) error {
	n, err := w.Write(wire)
	if err == nil && n < len(wire) {
		err = io.ErrShortWrite
	}
	if err != nil {
		e.invalid = true
		return ioFailure(err, "write "+e.framing.Format.String()+" frame")
	}
	return nil
}

// Reset makes an invalidated encoder usable again and starts a new object
// stream. Call it only after the caller has replaced the connection.
func (e *Encoder) Reset() {
	e.invalid = false
	e.gob = nil
}
