// Package stream binds the frame codec to a byte transport.
//
// A Stream pulls frames from an io.Reader through one frame.Decoder and
// pushes frames to an io.Writer through a frame.Encoder. Reads are driven by
// a single consumer; sends may come from any goroutine and are written whole
// in submission order.
package stream

import (
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/danmuck/framewire/internal/protocol/frame"
)

const DefaultReadBufferSize = 32 * 1024

// Observer receives per-frame activity, typically for metrics.
type Observer interface {
	FrameIn(f frame.Frame, wireBytes int)
	FrameOut(f frame.Frame, wireBytes int)
	StreamError(err error)
}

type Options struct {
	Frame          frame.Options
	ReadBufferSize int
	Observer       Observer
}

func DefaultOptions() Options {
	return Options{
		Frame:          frame.DefaultOptions(),
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// Stats counts traffic seen by one Stream.
type Stats struct {
	FramesIn  uint64 `json:"frames_in"`
	FramesOut uint64 `json:"frames_out"`
	BytesIn   uint64 `json:"bytes_in"`
	BytesOut  uint64 `json:"bytes_out"`
}

type Stream struct {
	r   io.Reader
	w   io.Writer
	dec *frame.Decoder
	enc *frame.Encoder
	obs Observer

	rbuf []byte
	eof  bool
	err  error

	wmu sync.Mutex

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
}

func New(r io.Reader, w io.Writer, opts Options) *Stream {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	return &Stream{
		r:    r,
		w:    w,
		dec:  frame.NewDecoder(opts.Frame),
		enc:  frame.NewEncoder(opts.Frame),
		obs:  opts.Observer,
		rbuf: make([]byte, opts.ReadBufferSize),
	}
}

func NewConn(rw io.ReadWriter, opts Options) *Stream {
	return New(rw, rw, opts)
}

// Next returns the next frame from the source. A clean end of input is
// io.EOF; input ending mid-frame is frame.ErrUnexpectedEOF. Decode failures
// and end of input are sticky. Transport read errors are returned as-is and
// leave buffered bytes in place, so a caller may retry after a deadline.
func (s *Stream) Next() (frame.Frame, error) {
	if s.err != nil {
		return frame.Frame{}, s.err
	}
	for {
		f, ok, err := s.dec.Poll()
		if err != nil {
			return frame.Frame{}, s.fail(err)
		}
		if ok {
			wire := frame.HeaderLen + len(f.Payload)
			s.framesIn.Add(1)
			s.bytesIn.Add(uint64(wire))
			if s.obs != nil {
				s.obs.FrameIn(f, wire)
			}
			return f, nil
		}
		if s.eof {
			if err := s.dec.Close(); err != nil {
				return frame.Frame{}, s.fail(err)
			}
			s.err = io.EOF
			return frame.Frame{}, io.EOF
		}

		n, rerr := s.r.Read(s.rbuf)
		if n > 0 {
			if err := s.dec.Feed(s.rbuf[:n]); err != nil {
				return frame.Frame{}, s.fail(err)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				s.eof = true
				continue
			}
			if s.obs != nil {
				s.obs.StreamError(rerr)
			}
			return frame.Frame{}, rerr
		}
	}
}

// Frames yields frames until the source ends. A clean end stops the sequence
// silently; any other error is yielded once and ends it.
func (s *Stream) Frames() iter.Seq2[frame.Frame, error] {
	return func(yield func(frame.Frame, error) bool) {
		for {
			f, err := s.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(frame.Frame{}, err)
				}
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// Send encodes f and writes it to the sink in one Write.
func (s *Stream) Send(f frame.Frame) error {
	buf, err := s.enc.Encode(f)
	if err != nil {
		if s.obs != nil {
			s.obs.StreamError(err)
		}
		return err
	}
	if err := s.write(buf); err != nil {
		return err
	}
	s.recordOut(f, len(buf))
	return nil
}

// SendBatch encodes every frame before writing any, then writes them in one
// call. An oversized frame rejects the whole batch.
func (s *Stream) SendBatch(frames ...frame.Frame) error {
	var buf []byte
	for _, f := range frames {
		var err error
		buf, err = s.enc.Append(buf, f)
		if err != nil {
			if s.obs != nil {
				s.obs.StreamError(err)
			}
			return err
		}
	}
	if len(buf) == 0 {
		return nil
	}
	if err := s.write(buf); err != nil {
		return err
	}
	for _, f := range frames {
		s.recordOut(f, frame.HeaderLen+len(f.Payload))
	}
	return nil
}

// Buffered returns inbound bytes not yet emitted as frames.
func (s *Stream) Buffered() int {
	return s.dec.Buffered()
}

// Err returns the sticky read-side error, if any.
func (s *Stream) Err() error {
	return s.err
}

func (s *Stream) Stats() Stats {
	return Stats{
		FramesIn:  s.framesIn.Load(),
		FramesOut: s.framesOut.Load(),
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
	}
}

func (s *Stream) write(buf []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.w.Write(buf)
	if err != nil && s.obs != nil {
		s.obs.StreamError(err)
	}
	return err
}

func (s *Stream) recordOut(f frame.Frame, wire int) {
	s.framesOut.Add(1)
	s.bytesOut.Add(uint64(wire))
	if s.obs != nil {
		s.obs.FrameOut(f, wire)
	}
}

func (s *Stream) fail(err error) error {
	s.err = err
	if s.obs != nil {
		s.obs.StreamError(err)
	}
	return err
}
