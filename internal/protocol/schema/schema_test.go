package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/framewire/internal/protocol/tlv"
	"github.com/danmuck/framewire/internal/testutil/testlog"
)

func TestValidateHandshakeRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U16(FieldVersion, Version),
		tlv.String(FieldDomain, "app.example.com"),
		tlv.U16(FieldPort, 8080),
	}
	if err := Validate(CmdHandshake, fields); err != nil {
		t.Fatalf("validate handshake: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U64(FieldTimestampNS, 1),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(CmdPing, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U16(FieldVersion, Version)}
	err := Validate(CmdHandshake, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldDomain || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldCode, "500"),
		tlv.String(FieldMessage, "boom"),
	}
	err := Validate(CmdError, fields)
	ve, ok := err.(ValidationError)
	if !ok || ve.FieldID != FieldCode || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateUnstructuredCommand(t *testing.T) {
	testlog.Start(t)
	if Structured(CmdData) {
		t.Fatalf("data payloads are opaque")
	}
	if err := Validate(CmdData, nil); err == nil {
		t.Fatalf("expected error for command without schema")
	}
}

func TestCommandName(t *testing.T) {
	testlog.Start(t)
	if got := CommandName(CmdPong); got != "pong" {
		t.Fatalf("got=%q", got)
	}
	if got := CommandName(0xBEEF); got != "0xbeef" {
		t.Fatalf("got=%q", got)
	}
}

func TestParseCommand(t *testing.T) {
	testlog.Start(t)
	cases := map[string]uint16{
		"ping":   CmdPing,
		" DATA ": CmdData,
		"6":      CmdError,
		"0x0F0F": 0x0F0F,
	}
	for raw, want := range cases {
		got, err := ParseCommand(raw)
		if err != nil || got != want {
			t.Fatalf("parse %q got=%d err=%v want=%d", raw, got, err, want)
		}
	}
	for _, bad := range []string{"", "teleport", "0x10000", "-1"} {
		if _, err := ParseCommand(bad); !errors.Is(err, ErrUnknownCommand) {
			t.Fatalf("parse %q expected ErrUnknownCommand, got %v", bad, err)
		}
	}
}
