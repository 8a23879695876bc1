package tcpframe

// Status is the outcome of one assembly attempt.
type Status int

const (
	// Incomplete means more bytes are needed. Only Step returns it.
	Incomplete Status = iota
	// Complete means Result.Frame holds a new frame.
	Complete
	// ClosedBeforeData means the peer closed between frames. It is not an error.
	ClosedBeforeData
	// ClosedMidMessage means the peer closed inside a frame.
	ClosedMidMessage
	// Failed means Result.Err holds a *FrameError.
	Failed
)

func (s Status) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case ClosedBeforeData:
		return "closed_before_data"
	case ClosedMidMessage:
		return "closed_mid_message"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the tagged result of Assemble and Step.
type Result struct {
	Status Status
	Frame  Frame
	Err    error
}

// Terminal reports whether the connection cannot produce further frames.
func (r Result) Terminal() bool {
	return r.Status != Incomplete && r.Status != Complete
}

func incomplete() Result { return Result{Status: Incomplete} }

func complete(f Frame) Result { return Result{Status: Complete, Frame: f} }

func failed(err *FrameError) Result { return Result{Status: Failed, Err: err} }
