package protocol

import (
	"fmt"
	"strings"

	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/danmuck/framewire/internal/protocol/schema"
	"github.com/danmuck/framewire/internal/protocol/tlv"
)

// Handshake opens a session. The client sends its domain and local port; the
// server echoes the handshake back with ConnID set and Token cleared.
type Handshake struct {
	Version uint16
	Domain  string
	Port    uint16
	Token   string
	ConnID  string
}

func (h Handshake) Validate() error {
	if h.Version != schema.Version {
		return fmt.Errorf("%w: got 0x%04x want 0x%04x", ErrUnsupportedVersion, h.Version, schema.Version)
	}
	if strings.TrimSpace(h.Domain) == "" {
		return fmt.Errorf("%w: missing domain", ErrInvalidHandshake)
	}
	if len(h.Domain) > schema.MaxDomainSize {
		return fmt.Errorf("%w: %d bytes", ErrDomainTooLarge, len(h.Domain))
	}
	if h.Port == 0 {
		return fmt.Errorf("%w: missing port", ErrInvalidHandshake)
	}
	return nil
}

func (h Handshake) Frame() frame.Frame {
	fields := []tlv.Field{
		tlv.U16(schema.FieldVersion, h.Version),
		tlv.String(schema.FieldDomain, h.Domain),
		tlv.U16(schema.FieldPort, h.Port),
	}
	if h.Token != "" {
		fields = append(fields, tlv.String(schema.FieldToken, h.Token))
	}
	if h.ConnID != "" {
		fields = append(fields, tlv.String(schema.FieldConnID, h.ConnID))
	}
	return frame.Frame{Command: schema.CmdHandshake, Payload: tlv.EncodeFields(fields)}
}

func DecodeHandshake(f frame.Frame) (Handshake, error) {
	fields, err := decodeStructured(f, schema.CmdHandshake)
	if err != nil {
		return Handshake{}, err
	}
	var h Handshake
	if h.Version, err = requiredU16(fields, schema.FieldVersion); err != nil {
		return Handshake{}, err
	}
	if h.Domain, err = requiredString(fields, schema.FieldDomain); err != nil {
		return Handshake{}, err
	}
	if h.Port, err = requiredU16(fields, schema.FieldPort); err != nil {
		return Handshake{}, err
	}
	if h.Token, err = optionalString(fields, schema.FieldToken); err != nil {
		return Handshake{}, err
	}
	if h.ConnID, err = optionalString(fields, schema.FieldConnID); err != nil {
		return Handshake{}, err
	}
	return h, nil
}

func decodeStructured(f frame.Frame, cmd uint16) ([]tlv.Field, error) {
	if f.Command != cmd {
		return nil, fmt.Errorf(
			"%w: got %s want %s",
			ErrUnexpectedCommand,
			schema.CommandName(f.Command),
			schema.CommandName(cmd),
		)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(cmd, fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return fields, nil
}

func requiredU16(fields []tlv.Field, id uint16) (uint16, error) {
	f, _ := tlv.GetField(fields, id)
	v, err := f.AsU16()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

func requiredU32(fields []tlv.Field, id uint16) (uint32, error) {
	f, _ := tlv.GetField(fields, id)
	v, err := f.AsU32()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

func requiredU64(fields []tlv.Field, id uint16) (uint64, error) {
	f, _ := tlv.GetField(fields, id)
	v, err := f.AsU64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

func requiredString(fields []tlv.Field, id uint16) (string, error) {
	f, _ := tlv.GetField(fields, id)
	v, err := f.AsString()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

func optionalString(fields []tlv.Field, id uint16) (string, error) {
	if _, ok := tlv.GetField(fields, id); !ok {
		return "", nil
	}
	return requiredString(fields, id)
}
