package kanban

import (
	"bytes"
	"strings"

	"github.com/cwt-line/kanban-agent/internal/core"
)

// Fixed card layout. Both blocks sit in sector 1 under the factory key.
const (
	Thread1Block = 4
	Thread2Block = 5

	// FieldSize is the maximum length of a thread code in bytes.
	FieldSize = core.BlockSize

	// BypassKeyword in Thread 1 marks a card that skips machine verification.
	BypassKeyword = "bypass"
)

// EncodeField converts a thread code to a zero-padded 16-byte block payload.
// Only printable 7-bit ASCII is accepted.
func EncodeField(text string) ([]byte, error) {
	if len(text) > FieldSize {
		return nil, core.NewFieldError(core.KindFieldTooLong, "", "code too long (max %d chars, got %d)", FieldSize, len(text))
	}
	for i := 0; i < len(text); i++ {
		if c := text[i]; c == 0 || c >= 0x80 {
			return nil, core.NewFieldError(core.KindInvalidField, "", "code contains a non-ASCII character at position %d", i+1)
		}
	}
	payload := make([]byte, FieldSize)
	copy(payload, text)
	return payload, nil
}

// DecodeField converts a block payload back to text. Bytes outside ASCII are
// dropped and trailing zero padding is removed; it never fails.
func DecodeField(payload []byte) string {
	out := make([]byte, 0, len(payload))
	for _, c := range payload {
		if c < 0x80 {
			out = append(out, c)
		}
	}
	return string(bytes.TrimRight(out, "\x00"))
}

// IsBypass reports whether a Thread 1 value is the bypass marker.
func IsBypass(thread1 string) bool {
	return strings.EqualFold(thread1, BypassKeyword)
}
