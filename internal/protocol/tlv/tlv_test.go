package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/framewire/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		String(1, "example.com"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestEncodeFieldLayout(t *testing.T) {
	testlog.Start(t)
	got := EncodeField(U16(0x0102, 0x0304))
	want := []byte{0x01, 0x02, TypeU16, 0, 0, 0, 2, 0x03, 0x04}
	if !bytes.Equal(got, want) {
		t.Fatalf("layout got=%x want=%x", got, want)
	}
}

func TestTypedAccessors(t *testing.T) {
	testlog.Start(t)
	fields, err := DecodeFields(EncodeFields([]Field{
		U16(1, 8080),
		U32(2, 70000),
		U64(3, 1<<40),
		Bool(4, true),
		String(5, "ok"),
		Bytes(6, []byte{1}),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, err := fields[0].AsU16(); err != nil || v != 8080 {
		t.Fatalf("u16 got=%d err=%v", v, err)
	}
	if v, err := fields[1].AsU32(); err != nil || v != 70000 {
		t.Fatalf("u32 got=%d err=%v", v, err)
	}
	if v, err := fields[2].AsU64(); err != nil || v != 1<<40 {
		t.Fatalf("u64 got=%d err=%v", v, err)
	}
	if v, err := fields[3].AsBool(); err != nil || !v {
		t.Fatalf("bool got=%v err=%v", v, err)
	}
	if v, err := fields[4].AsString(); err != nil || v != "ok" {
		t.Fatalf("string got=%q err=%v", v, err)
	}
	if _, err := fields[4].AsU16(); !errors.Is(err, ErrFieldTypeMismatch) {
		t.Fatalf("expected ErrFieldTypeMismatch, got %v", err)
	}
	bad := Field{ID: 7, Type: TypeU32, Value: []byte{1}}
	if _, err := bad.AsU32(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if _, err := (Field{ID: 8, Type: TypeBool, Value: []byte{2}}).AsBool(); !errors.Is(err, ErrInvalidBool) {
		t.Fatalf("expected ErrInvalidBool, got %v", err)
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
