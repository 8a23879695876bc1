package tcpframe

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a framing failure.
type ErrorKind int

const (
	// KindFrameTooLarge means a frame exceeded the configured MaxFrameSize.
	KindFrameTooLarge ErrorKind = iota + 1
	// KindProtocolViolation means the peer broke the framing contract.
	KindProtocolViolation
	// KindUnsupported means the format cannot be handled without a FrameCodec.
	KindUnsupported
	// KindInterrupted means a wait for a pooled buffer was abandoned.
	KindInterrupted
	// KindIO means the underlying transport failed.
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindFrameTooLarge:
		return "frame_too_large"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindUnsupported:
		return "unsupported"
	case KindInterrupted:
		return "interrupted"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// FrameError is the typed failure carried by a Failed result.
type FrameError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *FrameError) Error() string {
	msg := "tcpframe: " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FrameError) Unwrap() error { return e.Err }

// Is reports whether target is a FrameError of the same kind.
// Kind sentinels such as ErrFrameTooLarge therefore match any detail.
func (e *FrameError) Is(target error) bool {
	t, ok := target.(*FrameError)
	return ok && t.Kind == e.Kind
}

// Kind sentinels, comparable with errors.Is.
var (
	ErrFrameTooLarge     = &FrameError{Kind: KindFrameTooLarge}
	ErrProtocolViolation = &FrameError{Kind: KindProtocolViolation}
	ErrUnsupported       = &FrameError{Kind: KindUnsupported}
	ErrInterrupted       = &FrameError{Kind: KindInterrupted}
	ErrIO                = &FrameError{Kind: KindIO}
)

// ErrClosedMidMessage is reported when the peer closes after part of a frame arrived.
var ErrClosedMidMessage = errors.New("tcpframe: connection closed mid message")

// ErrEncoderInvalidated is returned by an encoder whose last write failed.
var ErrEncoderInvalidated = errors.New("tcpframe: encoder invalidated by failed write")

// ErrWouldBlock is returned by a NonBlockingReader when no bytes are available yet.
var ErrWouldBlock = errors.New("tcpframe: operation would block")

func frameTooLarge(format string, args ...any) *FrameError {
	return &FrameError{Kind: KindFrameTooLarge, Detail: fmt.Sprintf(format, args...)}
}

func protocolViolation(format string, args ...any) *FrameError {
	return &FrameError{Kind: KindProtocolViolation, Detail: fmt.Sprintf(format, args...)}
}

func unsupported(f Format) *FrameError {
	return &FrameError{Kind: KindUnsupported, Detail: "no codec registered for " + f.String() + " format"}
}

func ioFailure(err error, msg string) *FrameError {
	return &FrameError{Kind: KindIO, Err: errors.Wrap(err, msg)}
}
