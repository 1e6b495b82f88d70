package kanban

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cwt-line/kanban-agent/internal/core"
)

func TestFieldRoundTrip(t *testing.T) {
	for _, s := range []string{"", "A", "TH-001", "TH-RED-100", "bypass", "0123456789ABCDEF", "with space ~!"} {
		payload, err := EncodeField(s)
		if err != nil {
			t.Fatalf("EncodeField(%q) error = %v", s, err)
		}
		if len(payload) != FieldSize {
			t.Errorf("EncodeField(%q) length = %d", s, len(payload))
		}
		if got := DecodeField(payload); got != s {
			t.Errorf("DecodeField(EncodeField(%q)) = %q", s, got)
		}
	}
}

func TestEncodeFieldPadding(t *testing.T) {
	payload, err := EncodeField("TH-001")
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte("TH-001"), make([]byte, 10)...)
	if !bytes.Equal(payload, want) {
		t.Errorf("EncodeField() = %x, want %x", payload, want)
	}
}

func TestEncodeFieldTooLong(t *testing.T) {
	for _, n := range []int{17, 32, 100} {
		_, err := EncodeField(strings.Repeat("x", n))
		if core.KindOf(err) != core.KindFieldTooLong {
			t.Errorf("len %d: expected FieldTooLong, got %v", n, err)
		}
	}
}

func TestEncodeFieldInvalid(t *testing.T) {
	for _, s := range []string{"TH\x00001", "café", "日本"} {
		_, err := EncodeField(s)
		if core.KindOf(err) != core.KindInvalidField {
			t.Errorf("%q: expected InvalidField, got %v", s, err)
		}
	}
}

func TestDecodeFieldLossy(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{"all zeros", make([]byte, 16), ""},
		{"high bytes dropped", append([]byte{'T', 0xC3, 0xA9, 'H'}, make([]byte, 12)...), "TH"},
		{"all 0xFF", bytes.Repeat([]byte{0xFF}, 16), ""},
		{"embedded zero kept", append([]byte{'A', 0, 'B'}, make([]byte, 13)...), "A\x00B"},
		{"short payload", []byte("AB"), "AB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeField(tt.payload); got != tt.want {
				t.Errorf("DecodeField() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsBypass(t *testing.T) {
	for _, s := range []string{"bypass", "BYPASS", "ByPaSs"} {
		if !IsBypass(s) {
			t.Errorf("IsBypass(%q) = false", s)
		}
	}
	for _, s := range []string{"", "bypass ", "by pass", "TH-001"} {
		if IsBypass(s) {
			t.Errorf("IsBypass(%q) = true", s)
		}
	}
}
