package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// HeaderLen is the fixed wire header: command (2) + payload_length (4).
const HeaderLen = 6

const DefaultMaxFrameSize uint32 = 16 * 1024 * 1024

var (
	ErrOversizedPayload = errors.New("frame: payload exceeds max frame size")
	ErrFrameTooLarge    = errors.New("frame: declared payload length exceeds max frame size")
	ErrUnexpectedEOF    = errors.New("frame: unexpected eof inside frame")
	ErrDecoderClosed    = errors.New("frame: decoder closed")
	ErrInvalidByteOrder = errors.New("frame: invalid byte order")
)

// Frame is one complete wire message.
type Frame struct {
	Command uint16
	Payload []byte
}

func New(command uint16, payload []byte) Frame {
	return Frame{Command: command, Payload: payload}
}

// Equal reports structural equality. Nil and empty payloads are equal.
func (f Frame) Equal(other Frame) bool {
	return f.Command == other.Command && bytes.Equal(f.Payload, other.Payload)
}

func (f Frame) String() string {
	return fmt.Sprintf("frame{command=0x%04x len=%d}", f.Command, len(f.Payload))
}

// Options constrains frame encode/decode memory use and fixes the wire byte order.
type Options struct {
	MaxFrameSize uint32
	ByteOrder    binary.ByteOrder
}

func DefaultOptions() Options {
	return Options{
		MaxFrameSize: DefaultMaxFrameSize,
		ByteOrder:    binary.BigEndian,
	}
}

func (o Options) normalize() Options {
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.ByteOrder == nil {
		o.ByteOrder = binary.BigEndian
	}
	return o
}

// ParseByteOrder maps a config value onto a binary.ByteOrder.
func ParseByteOrder(raw string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "big", "big_endian", "bigendian", "network":
		return binary.BigEndian, nil
	case "little", "little_endian", "littleendian":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidByteOrder, raw)
	}
}

// IsTerminal reports whether err invalidates the stream it came from.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrUnexpectedEOF) ||
		errors.Is(err, ErrDecoderClosed)
}

// Encode encodes f with DefaultOptions.
func Encode(f Frame) ([]byte, error) {
	return NewEncoder(DefaultOptions()).Encode(f)
}

// ReadFrame reads exactly one frame from r. A clean EOF before the first
// header byte is returned as io.EOF.
func ReadFrame(r io.Reader, opts Options) (Frame, error) {
	opts = opts.normalize()
	var hdr [HeaderLen]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: header %d/%d bytes", ErrUnexpectedEOF, n, HeaderLen)
		}
		return Frame{}, err
	}

	cmd, length := parseHeader(hdr[:], opts.ByteOrder)
	if length > opts.MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: declared=%d max=%d", ErrFrameTooLarge, length, opts.MaxFrameSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if n, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, fmt.Errorf("%w: payload %d/%d bytes", ErrUnexpectedEOF, n, length)
			}
			return Frame{}, err
		}
	}
	return Frame{Command: cmd, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, opts Options) error {
	return NewEncoder(opts).WriteFrame(w, f)
}

func parseHeader(b []byte, order binary.ByteOrder) (uint16, uint32) {
	return order.Uint16(b[0:2]), order.Uint32(b[2:HeaderLen])
}

func putHeader(b []byte, order binary.ByteOrder, cmd uint16, length uint32) {
	order.PutUint16(b[0:2], cmd)
	order.PutUint32(b[2:HeaderLen], length)
}
