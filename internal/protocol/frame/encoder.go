package frame

import (
	"fmt"
	"io"
)

// Encoder serializes frames. It holds no per-frame state and is safe for
// concurrent use.
type Encoder struct {
	opts Options
}

func NewEncoder(opts Options) *Encoder {
	return &Encoder{opts: opts.normalize()}
}

func (e *Encoder) Options() Options {
	return e.opts
}

func (e *Encoder) Encode(f Frame) ([]byte, error) {
	if err := e.check(f); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	putHeader(buf, e.opts.ByteOrder, f.Command, uint32(len(f.Payload)))
	copy(buf[HeaderLen:], f.Payload)
	return buf, nil
}

// Append appends the encoding of f to dst. On error dst is returned unchanged.
func (e *Encoder) Append(dst []byte, f Frame) ([]byte, error) {
	if err := e.check(f); err != nil {
		return dst, err
	}
	var hdr [HeaderLen]byte
	putHeader(hdr[:], e.opts.ByteOrder, f.Command, uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...), nil
}

// WriteFrame encodes f and hands it to w in a single Write.
func (e *Encoder) WriteFrame(w io.Writer, f Frame) error {
	buf, err := e.Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func (e *Encoder) check(f Frame) error {
	if uint64(len(f.Payload)) > uint64(e.opts.MaxFrameSize) {
		return fmt.Errorf("%w: len=%d max=%d", ErrOversizedPayload, len(f.Payload), e.opts.MaxFrameSize)
	}
	return nil
}
