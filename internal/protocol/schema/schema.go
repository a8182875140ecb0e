package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/framewire/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Version is the handshake protocol version.
const Version uint16 = 0x0001

const MaxDomainSize = 255

// Command IDs carried in the frame header.
const (
	CmdHandshake uint16 = 0x0001
	CmdData      uint16 = 0x0002
	CmdPing      uint16 = 0x0003
	CmdPong      uint16 = 0x0004
	CmdClose     uint16 = 0x0005
	CmdError     uint16 = 0x0006
)

// Field IDs inside structured payloads.
const (
	FieldVersion uint16 = 1
	FieldDomain  uint16 = 2
	FieldPort    uint16 = 3
	FieldToken   uint16 = 4
	FieldConnID  uint16 = 5

	FieldCode    uint16 = 100
	FieldMessage uint16 = 101

	FieldTimestampNS uint16 = 200
)

var commandNames = map[uint16]string{
	CmdHandshake: "handshake",
	CmdData:      "data",
	CmdPing:      "ping",
	CmdPong:      "pong",
	CmdClose:     "close",
	CmdError:     "error",
}

// CommandName renders cmd for logs and metric labels.
func CommandName(cmd uint16) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", cmd)
}

var ErrUnknownCommand = errors.New("schema: unknown command")

// ParseCommand accepts a catalogue name ("ping") or a numeric id ("3", "0x0003").
func ParseCommand(raw string) (uint16, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for cmd, name := range commandNames {
		if name == raw {
			return cmd, nil
		}
	}
	v, err := strconv.ParseUint(raw, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, raw)
	}
	return uint16(v), nil
}

// Structured reports whether cmd carries a TLV payload with known fields.
func Structured(cmd uint16) bool {
	_, ok := requirements[cmd]
	return ok
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Command uint16
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: command=%s: %s", CommandName(e.Command), e.Reason)
	}
	return fmt.Sprintf("schema: command=%s field=%d: %s", CommandName(e.Command), e.FieldID, e.Reason)
}

var requirements = map[uint16][]Requirement{
	CmdHandshake: {
		{FieldVersion, tlv.TypeU16},
		{FieldDomain, tlv.TypeString},
		{FieldPort, tlv.TypeU16},
	},
	CmdPing: {
		{FieldTimestampNS, tlv.TypeU64},
	},
	CmdPong: {
		{FieldTimestampNS, tlv.TypeU64},
	},
	CmdError: {
		{FieldCode, tlv.TypeU32},
		{FieldMessage, tlv.TypeString},
	},
}

// Validate enforces required fields and their types for a structured command.
// Unknown fields are ignored.
func Validate(cmd uint16, fields []tlv.Field) error {
	log.Trace().Str("command", CommandName(cmd)).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[cmd]
	if !ok {
		log.Debug().Str("command", CommandName(cmd)).Msg("schema.Validate unstructured command")
		return ValidationError{Command: cmd, Reason: "command has no schema"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("command", CommandName(cmd)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{Command: cmd, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("command", CommandName(cmd)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{Command: cmd, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
