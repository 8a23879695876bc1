package tcpframe

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
)

const (
	// readChunkSize is the read-ahead size used by the scanning formats.
	readChunkSize = 4096
	// maxConsecutiveEmptyReads mirrors bufio: a reader that keeps returning
	// (0, nil) is considered broken.
	maxConsecutiveEmptyReads = 100
	// customHeaderAllowance is room for a custom codec's own framing bytes
	// on top of MaxFrameSize.
	customHeaderAllowance = 64
)

// NonBlockingReader is a byte source that never blocks.
// TryRead returns ErrWouldBlock when no bytes are currently available and
// io.EOF once the peer has closed the stream.
type NonBlockingReader interface {
	TryRead(p []byte) (int, error)
}

type phase uint8

const (
	// phaseIdle: no byte of the current frame has been consumed.
	phaseIdle phase = iota
	// phaseHeader: part of the length header has been read.
	phaseHeader
	// phaseBody: the length header is complete, the body is being read.
	phaseBody
	// phaseAccumulate: bytes are accumulating until a terminator is found.
	phaseAccumulate
)

// Assembler turns a byte stream into Frames. It holds all partial-parse
// state of one connection, so a single Assembler must only ever see the
// bytes of one connection, in order, from one goroutine at a time.
type Assembler struct {
	framing Framing
	peer    Peer
	logger  Logger

	phase phase

	// LengthPrefixed
	header  [lengthHeaderSize]byte
	headerN int
	body    []byte
	bodyN   int

	// scanning formats
	acc     []byte
	readBuf []byte
	pending []byte

	gob *gobReadState

	srcErr error
	done   *Result

	// starved is set while the buffered bytes cannot finish a frame.
	starved bool
}

// NewAssembler creates the assembly state for one connection.
func NewAssembler(f Framing, peer Peer) *Assembler {
	return &Assembler{
		framing: f.withDefaults(),
		peer:    peer,
		logger:  defaultLogger(),
	}
}

// SetLogger replaces the logger used for debug output.
func (a *Assembler) SetLogger(l Logger) {
	if l != nil {
		a.logger = l
	}
}

// Framing returns the framing configuration the assembler was built with.
func (a *Assembler) Framing() Framing { return a.framing }

// Buffered returns the number of bytes already read from the source that
// may still produce frames without further I/O. It is zero once Step has
// returned Incomplete, since the buffered bytes then need more input.
func (a *Assembler) Buffered() int {
	if a.starved || a.done != nil {
		return 0
	}
	n := len(a.pending)
	switch a.framing.Format {
	case Custom, SerializedObjectStream:
		n += len(a.acc)
	}
	return n
}

// Assemble reads from r until one frame is complete or the connection can
// produce no more frames. It never returns Incomplete.
func (a *Assembler) Assemble(r io.Reader) Result {
	return a.run(r.Read, true)
}

// Step consumes only the bytes src can deliver without blocking and returns
// Incomplete if they do not finish a frame. Progress is kept across calls,
// so the caller re-invokes Step whenever more bytes may be available. A
// driver should keep calling Step until it returns Incomplete, since one
// read may carry several frames.
func (a *Assembler) Step(src NonBlockingReader) Result {
	return a.run(src.TryRead, false)
}

func (a *Assembler) run(read func([]byte) (int, error), blocking bool) Result {
	if a.done != nil {
		return *a.done
	}

	empty := 0
	for {
		res := a.advance()
		a.starved = res.Status == Incomplete
		if res.Status != Incomplete {
			return a.finish(res)
		}
		if a.srcErr != nil {
			return a.finish(a.closed())
		}

		n, err := read(a.target())
		if n > 0 {
			a.commit(n)
			empty = 0
		}
		switch {
		case errors.Is(err, ErrWouldBlock):
			if n == 0 {
				return incomplete()
			}
		case err != nil:
			a.srcErr = err
		case n == 0:
			if !blocking {
				return incomplete()
			}
			empty++
			if empty >= maxConsecutiveEmptyReads {
				return a.finish(failed(ioFailure(io.ErrNoProgress, "read")))
			}
		}
	}
}

// target returns the slice the next read fills. LengthPrefixed reads are
// sized to the missing part of the header or body so nothing past the
// current frame is consumed.
func (a *Assembler) target() []byte {
	if a.framing.Format == LengthPrefixed {
		if a.phase == phaseBody {
			return a.body[a.bodyN:]
		}
		return a.header[a.headerN:]
	}
	if a.readBuf == nil {
		a.readBuf = make([]byte, readChunkSize)
	}
	return a.readBuf
}

func (a *Assembler) commit(n int) {
	if a.framing.Format == LengthPrefixed {
		if a.phase == phaseBody {
			a.bodyN += n
			return
		}
		a.headerN += n
		a.phase = phaseHeader
		return
	}
	a.pending = a.readBuf[:n]
}

func (a *Assembler) advance() Result {
	switch a.framing.Format {
	case LengthPrefixed:
		return a.advanceLength()
	case Delimited:
		return a.advanceDelimited()
	case LineTerminated:
		return a.advanceLine()
	case SerializedObjectStream:
		return a.advanceGob()
	case Custom:
		if a.framing.Codec == nil {
			return failed(unsupported(Custom))
		}
		return a.advanceCustom()
	default:
		return failed(unsupported(a.framing.Format))
	}
}

func (a *Assembler) advanceLength() Result {
	if a.phase != phaseBody {
		if a.headerN < lengthHeaderSize {
			return incomplete()
		}
		size := binary.BigEndian.Uint32(a.header[:])
		if uint64(size) > uint64(a.framing.MaxFrameSize) {
			return failed(frameTooLarge("message length %d exceeds max message length %d", size, a.framing.MaxFrameSize))
		}
		a.logger.Debug("length header read", "peer", a.peer.String(), "length", size)
		a.body = make([]byte, size)
		a.bodyN = 0
		a.phase = phaseBody
	}
	if a.bodyN < len(a.body) {
		return incomplete()
	}

	payload := a.body
	a.body, a.bodyN, a.headerN = nil, 0, 0
	a.phase = phaseIdle
	return a.emit(payload)
}

func (a *Assembler) advanceDelimited() Result {
	for len(a.pending) > 0 {
		if a.phase == phaseIdle {
			if b := a.pending[0]; b != STX {
				return failed(protocolViolation("expected STX, received 0x%02x", b))
			}
			a.pending = a.pending[1:]
			a.phase = phaseAccumulate
			continue
		}

		end := bytes.IndexByte(a.pending, ETX)
		chunk := a.pending
		if end >= 0 {
			chunk = a.pending[:end]
		}
		if len(a.acc)+len(chunk) > a.framing.MaxFrameSize {
			return failed(frameTooLarge("ETX not found before max message length %d", a.framing.MaxFrameSize))
		}
		a.acc = append(a.acc, chunk...)
		if end < 0 {
			a.pending = nil
			return incomplete()
		}

		a.pending = a.pending[end+1:]
		return a.emit(a.takeAcc(0))
	}
	return incomplete()
}

var crlf = []byte{CR, LF}

func (a *Assembler) advanceLine() Result {
	for len(a.pending) > 0 {
		a.phase = phaseAccumulate

		// A CR left at the end of the previous read pairs with a leading LF.
		if n := len(a.acc); n > 0 && a.acc[n-1] == CR && a.pending[0] == LF {
			a.pending = a.pending[1:]
			return a.emit(a.takeAcc(1))
		}

		end := bytes.Index(a.pending, crlf)
		if end < 0 {
			size := len(a.acc) + len(a.pending)
			if a.pending[len(a.pending)-1] == CR {
				size--
			}
			if size > a.framing.MaxFrameSize {
				return failed(frameTooLarge("CRLF not found before max message length %d", a.framing.MaxFrameSize))
			}
			a.acc = append(a.acc, a.pending...)
			a.pending = nil
			return incomplete()
		}

		if len(a.acc)+end > a.framing.MaxFrameSize {
			return failed(frameTooLarge("CRLF not found before max message length %d", a.framing.MaxFrameSize))
		}
		a.acc = append(a.acc, a.pending[:end]...)
		a.pending = a.pending[end+2:]
		return a.emit(a.takeAcc(0))
	}
	return incomplete()
}

func (a *Assembler) advanceCustom() Result {
	atEOF := a.srcErr != nil && isClose(a.srcErr)
	if len(a.pending) > 0 {
		a.acc = append(a.acc, a.pending...)
		a.pending = nil
	}

	for len(a.acc) > 0 {
		a.phase = phaseAccumulate
		advance, payload, err := a.framing.Codec.Decode(a.acc, atEOF)
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				return failed(fe)
			}
			return failed(&FrameError{Kind: KindProtocolViolation, Detail: "custom codec", Err: err})
		}
		if advance < 0 || advance > len(a.acc) {
			return failed(protocolViolation("custom codec advanced %d of %d buffered bytes", advance, len(a.acc)))
		}
		if payload != nil && len(payload) > a.framing.MaxFrameSize {
			return failed(frameTooLarge("custom frame of %d bytes exceeds max message length %d", len(payload), a.framing.MaxFrameSize))
		}

		if payload != nil && advance == 0 {
			return failed(protocolViolation("custom codec returned a frame without consuming input"))
		}

		out := payload
		if payload != nil {
			// The codec may return a view into the accumulation buffer.
			out = make([]byte, len(payload))
			copy(out, payload)
		}
		a.acc = a.acc[advance:]
		if len(a.acc) == 0 {
			a.acc = nil
			a.phase = phaseIdle
		}
		if out != nil {
			return a.emit(out)
		}
		if advance == 0 {
			break
		}
	}

	if len(a.acc) > a.framing.MaxFrameSize+customHeaderAllowance {
		return failed(frameTooLarge("custom codec buffered %d bytes without a frame", len(a.acc)))
	}
	return incomplete()
}

// takeAcc hands the accumulated bytes, minus trim trailing bytes, to the
// caller and starts a fresh accumulation buffer.
func (a *Assembler) takeAcc(trim int) []byte {
	payload := a.acc[:len(a.acc)-trim]
	a.acc = nil
	a.phase = phaseIdle
	return payload
}

func (a *Assembler) emit(payload []byte) Result {
	if payload == nil {
		payload = []byte{}
	}
	return complete(Frame{Payload: payload, Peer: a.peer})
}

// inFrame reports whether at least one byte of the current frame has been consumed.
func (a *Assembler) inFrame() bool {
	return a.phase != phaseIdle || len(a.acc) > 0 || (a.gob != nil && a.gob.in.Len() > 0)
}

func (a *Assembler) closed() Result {
	if !isClose(a.srcErr) {
		return failed(ioFailure(a.srcErr, "read "+a.framing.Format.String()+" frame"))
	}
	if a.inFrame() {
		return Result{Status: ClosedMidMessage, Err: errors.WithMessagef(ErrClosedMidMessage, "peer %s", a.peer)}
	}
	return Result{Status: ClosedBeforeData}
}

func (a *Assembler) finish(res Result) Result {
	if res.Terminal() {
		a.done = &res
		a.pending, a.acc, a.body = nil, nil, nil
		a.logger.Debug("assembly finished", "peer", a.peer.String(), "format", a.framing.Format.String(), "status", res.Status.String(), "error", res.Err)
	}
	return res
}

func isClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
