package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/meshvmail/internal/testutil/testlog"
)

func TestFieldsRoundTripKeepUnknownIDs(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		U32(1, 256),
		String(2, "!0000beef"),
		{ID: 4096, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	b := EncodeFields(in)
	if len(b) != EncodedLen(in) {
		t.Fatalf("encoded len mismatch: %d vs %d", len(b), EncodedLen(in))
	}
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(out))
	}
	ch, ok := GetField(out, 1)
	if !ok || MustType(ch, TypeU32) != nil {
		t.Fatalf("channel field: %+v", ch)
	}
	if v, err := U32FromBytes(ch.Value); err != nil || v != 256 {
		t.Fatalf("channel value: %d %v", v, err)
	}
	if out[2].ID != 4096 || !bytes.Equal(out[2].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[2])
	}
}

func TestMustTypeMismatch(t *testing.T) {
	testlog.Start(t)
	if err := MustType(String(2, "x"), TypeU32); err == nil {
		t.Fatalf("expected type mismatch")
	}
	if _, err := U32FromBytes([]byte{1, 2}); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestDecodeFieldsShortHeader(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsShortValue(t *testing.T) {
	testlog.Start(t)
	// id=2, type=string, len=9, two value bytes present
	payload := []byte{0, 2, TypeString, 0, 0, 0, 9, '!', '0'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}
