package tcpframe

import (
	"bytes"
	"encoding/gob"
)

// gobMessageAllowance covers the type id and length bytes gob adds to a
// payload inside one message.
const gobMessageAllowance = 32

// gobReadState is the per-connection decoding side of an object stream.
// The decoder lives as long as the connection because gob sends type
// information once per stream.
type gobReadState struct {
	// in holds complete gob messages that the decoder has not read yet.
	in     bytes.Buffer
	dec    *gob.Decoder
	values int
}

// advanceGob splits the stream into gob messages and only lets the decoder
// run once a whole value message is buffered. The decoder therefore never
// sees a partial message, which keeps it usable under non-blocking reads.
func (a *Assembler) advanceGob() Result {
	if a.gob == nil {
		a.gob = &gobReadState{}
	}
	st := a.gob

	if len(a.pending) > 0 {
		a.acc = append(a.acc, a.pending...)
		a.pending = nil
	}

	for st.values == 0 {
		count, hdr, err := gobUint(a.acc)
		if err != nil {
			return failed(err)
		}
		if hdr == 0 {
			return incomplete()
		}
		a.phase = phaseAccumulate
		if count == 0 {
			return failed(protocolViolation("empty gob message"))
		}
		if count > uint64(a.framing.MaxFrameSize+gobMessageAllowance) {
			return failed(frameTooLarge("object of %d bytes exceeds max message length %d", count, a.framing.MaxFrameSize))
		}
		end := hdr + int(count)
		if len(a.acc) < end {
			return incomplete()
		}

		id, err := gobTypeID(a.acc[hdr:end])
		if err != nil {
			return failed(err)
		}
		st.in.Write(a.acc[:end])
		a.acc = a.acc[end:]
		if id > 0 {
			st.values++
		}
	}

	if st.dec == nil {
		st.dec = gob.NewDecoder(&st.in)
	}
	var payload []byte
	if err := st.dec.Decode(&payload); err != nil {
		return failed(&FrameError{Kind: KindProtocolViolation, Detail: "decode object", Err: err})
	}
	st.values--
	if len(payload) > a.framing.MaxFrameSize {
		return failed(frameTooLarge("object of %d bytes exceeds max message length %d", len(payload), a.framing.MaxFrameSize))
	}

	if len(a.acc) == 0 {
		a.acc = nil
		if st.in.Len() == 0 {
			a.phase = phaseIdle
		}
	}
	return a.emit(payload)
}

// gobUint decodes gob's unsigned integer encoding: values below 128 take one
// byte, larger ones a negated byte count followed by big-endian bytes.
// hdr is 0 when b does not hold the whole integer yet.
func gobUint(b []byte) (v uint64, hdr int, err *FrameError) {
	if len(b) == 0 {
		return 0, 0, nil
	}
	c := b[0]
	if c <= 0x7f {
		return uint64(c), 1, nil
	}
	n := -int(int8(c))
	if n > 8 {
		return 0, 0, protocolViolation("invalid gob uint length %d", n)
	}
	if len(b) < 1+n {
		return 0, 0, nil
	}
	for _, x := range b[1 : 1+n] {
		v = v<<8 | uint64(x)
	}
	return v, 1 + n, nil
}

// gobTypeID reads the signed type id that opens every gob message.
// Negative ids introduce type definitions, positive ids carry values.
func gobTypeID(msg []byte) (int64, *FrameError) {
	u, hdr, err := gobUint(msg)
	if err != nil {
		return 0, err
	}
	if hdr == 0 {
		return 0, protocolViolation("truncated gob type id")
	}
	if u&1 != 0 {
		return ^int64(u >> 1), nil
	}
	return int64(u >> 1), nil
}

// gobWriteState is the encoding side of an object stream.
type gobWriteState struct {
	out bytes.Buffer
	enc *gob.Encoder
}

func (s *gobWriteState) append(dst, payload []byte) ([]byte, error) {
	if s.enc == nil {
		s.enc = gob.NewEncoder(&s.out)
	}
	if err := s.enc.Encode(payload); err != nil {
		s.out.Reset()
		return dst, err
	}
	dst = append(dst, s.out.Bytes()...)
	s.out.Reset()
	return dst, nil
}
