package frame

import (
	"errors"
	"fmt"
)

// retainCap bounds the capacity an idle decoder keeps after draining.
const retainCap = 64 * 1024

// Decoder turns an arbitrarily fragmented byte stream into frames.
//
// Bytes are accumulated with Feed and extracted with Poll. The buffer always
// holds exactly the bytes received minus the bytes already emitted as frames.
// A Decoder is owned by one connection and is not safe for concurrent use.
// Once it reports ErrFrameTooLarge or ErrUnexpectedEOF, or has been closed, it
// is terminal and must be replaced.
type Decoder struct {
	opts Options
	buf  []byte
	off  int
	err  error
}

func NewDecoder(opts Options) *Decoder {
	return &Decoder{opts: opts.normalize()}
}

// Feed appends p to the decoder buffer. p is copied and may be reused by the
// caller. An oversized length in a now-complete header fails the decoder.
// The buffer only grows with bytes actually received, never with the length a
// header declares.
func (d *Decoder) Feed(p []byte) error {
	if d.err != nil {
		return d.err
	}
	if len(p) == 0 {
		return nil
	}
	d.compact()
	d.buf = append(d.buf, p...)
	return d.checkHeader()
}

// Poll extracts the next complete frame. ok is false with a nil error when
// more input is needed; the buffer is left untouched in that case.
func (d *Decoder) Poll() (f Frame, ok bool, err error) {
	if d.err != nil {
		return Frame{}, false, d.err
	}
	live := d.buf[d.off:]
	if len(live) < HeaderLen {
		return Frame{}, false, nil
	}
	cmd, length := parseHeader(live, d.opts.ByteOrder)
	if length > d.opts.MaxFrameSize {
		return Frame{}, false, d.fail(tooLarge(length, d.opts.MaxFrameSize))
	}
	total := HeaderLen + int(length)
	if len(live) < total {
		return Frame{}, false, nil
	}

	payload := make([]byte, length)
	copy(payload, live[HeaderLen:total])
	d.off += total
	if d.off == len(d.buf) {
		d.reset()
	}
	return Frame{Command: cmd, Payload: payload}, true, nil
}

// Close signals end of input. Residual bytes mean the peer stopped mid-frame
// and are reported as ErrUnexpectedEOF. The decoder is terminal afterwards.
func (d *Decoder) Close() error {
	if d.err != nil {
		if errors.Is(d.err, ErrDecoderClosed) {
			return nil
		}
		return d.err
	}
	if n := d.Buffered(); n > 0 {
		return d.fail(fmt.Errorf("%w: %d bytes buffered", ErrUnexpectedEOF, n))
	}
	d.fail(ErrDecoderClosed)
	return nil
}

// Buffered returns the number of bytes received but not yet emitted.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Err returns the terminal error, if any.
func (d *Decoder) Err() error {
	return d.err
}

// checkHeader rejects an oversized length as soon as the pending header is
// complete.
func (d *Decoder) checkHeader() error {
	live := d.buf[d.off:]
	if len(live) < HeaderLen {
		return nil
	}
	if _, length := parseHeader(live, d.opts.ByteOrder); length > d.opts.MaxFrameSize {
		return d.fail(tooLarge(length, d.opts.MaxFrameSize))
	}
	return nil
}

// compact moves the live region to the front once consumed bytes dominate.
func (d *Decoder) compact() {
	if d.off == 0 || d.off < len(d.buf)/2 {
		return
	}
	n := copy(d.buf, d.buf[d.off:])
	d.buf = d.buf[:n]
	d.off = 0
}

func (d *Decoder) reset() {
	d.off = 0
	if cap(d.buf) > retainCap {
		d.buf = nil
		return
	}
	d.buf = d.buf[:0]
}

func (d *Decoder) fail(err error) error {
	d.err = err
	d.buf = nil
	d.off = 0
	return err
}

func tooLarge(declared, max uint32) error {
	return fmt.Errorf("%w: declared=%d max=%d", ErrFrameTooLarge, declared, max)
}
