package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/danmuck/framewire/internal/protocol/schema"
	"github.com/danmuck/framewire/internal/protocol/tlv"
)

// Fault codes carried by CmdError frames.
const (
	CodeInternal           uint32 = 1
	CodeUnsupportedCommand uint32 = 2
	CodeInvalidPayload     uint32 = 3
	CodeUnauthorized       uint32 = 4
	CodeUnsupportedVersion uint32 = 5
	CodeInvalidHandshake   uint32 = 6
	CodeUnavailable        uint32 = 7
)

var codeErrors = map[uint32]error{
	CodeUnsupportedCommand: ErrUnsupportedCommand,
	CodeInvalidPayload:     ErrInvalidPayload,
	CodeUnauthorized:       ErrUnauthorized,
	CodeUnsupportedVersion: ErrUnsupportedVersion,
	CodeInvalidHandshake:   ErrInvalidHandshake,
	CodeUnavailable:        ErrUnavailable,
}

// Fault is a peer-reported error. It unwraps to the sentinel matching Code,
// so errors.Is works across the wire.
type Fault struct {
	Code    uint32
	Message string
}

func (f Fault) Error() string {
	return fmt.Sprintf("protocol: peer fault code=%d: %s", f.Code, f.Message)
}

func (f Fault) Unwrap() error {
	return codeErrors[f.Code]
}

func (f Fault) Frame() frame.Frame {
	return frame.Frame{
		Command: schema.CmdError,
		Payload: tlv.EncodeFields([]tlv.Field{
			tlv.U32(schema.FieldCode, f.Code),
			tlv.String(schema.FieldMessage, f.Message),
		}),
	}
}

func DecodeFault(f frame.Frame) (Fault, error) {
	fields, err := decodeStructured(f, schema.CmdError)
	if err != nil {
		return Fault{}, err
	}
	code, err := requiredU32(fields, schema.FieldCode)
	if err != nil {
		return Fault{}, err
	}
	msg, err := requiredString(fields, schema.FieldMessage)
	if err != nil {
		return Fault{}, err
	}
	return Fault{Code: code, Message: msg}, nil
}

// FaultFromError picks the fault code for a local error.
func FaultFromError(err error) Fault {
	var fault Fault
	if errors.As(err, &fault) {
		return fault
	}
	code := CodeInternal
	switch {
	case errors.Is(err, ErrUnsupportedCommand):
		code = CodeUnsupportedCommand
	case errors.Is(err, ErrUnauthorized):
		code = CodeUnauthorized
	case errors.Is(err, ErrUnsupportedVersion):
		code = CodeUnsupportedVersion
	case errors.Is(err, ErrInvalidHandshake), errors.Is(err, ErrDomainTooLarge):
		code = CodeInvalidHandshake
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnexpectedCommand):
		code = CodeInvalidPayload
	case errors.Is(err, ErrUnavailable):
		code = CodeUnavailable
	}
	return Fault{Code: code, Message: err.Error()}
}
