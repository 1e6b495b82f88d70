package core

import (
	"errors"
	"fmt"
)

// Kind classifies a failure at the reader/card boundary.
type Kind int

const (
	KindNone Kind = iota
	KindNoReaderFound
	KindTransport
	KindTimeout
	KindCancelled
	KindAuthenticationFailed
	KindReadFailed
	KindWriteFailed
	KindInvalidPayloadSize
	KindInvalidBlock
	KindFieldTooLong
	KindInvalidField
	KindVerificationFailed
	KindNoCardDetected
	KindNoCardConnected
)

var kindNames = map[Kind]string{
	KindNone:                 "",
	KindNoReaderFound:        "NoReaderFound",
	KindTransport:            "TransportError",
	KindTimeout:              "Timeout",
	KindCancelled:            "Cancelled",
	KindAuthenticationFailed: "AuthenticationFailed",
	KindReadFailed:           "ReadFailed",
	KindWriteFailed:          "WriteFailed",
	KindInvalidPayloadSize:   "InvalidPayloadSize",
	KindInvalidBlock:         "InvalidBlock",
	KindFieldTooLong:         "FieldTooLong",
	KindInvalidField:         "InvalidField",
	KindVerificationFailed:   "VerificationFailed",
	KindNoCardDetected:       "NoCardDetected",
	KindNoCardConnected:      "NoCardConnected",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText lets Kind appear by name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name produced by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", string(text))
}

// Error is the typed failure returned by the transport and codec layers.
// Block is -1 when the failure is not tied to a block.
type Error struct {
	Kind     Kind
	Block    int
	SW1, SW2 byte
	Field    string
	Expected string
	Actual   string
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, core.ErrTimeout) works regardless of details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// StatusWord returns SW1 and SW2 as a single 16-bit value.
func (e *Error) StatusWord() uint16 {
	return uint16(e.SW1)<<8 | uint16(e.SW2)
}

// Sentinels for errors.Is comparisons.
var (
	ErrNoReaderFound        = &Error{Kind: KindNoReaderFound, Block: -1, Msg: "no RFID readers found"}
	ErrTransport            = &Error{Kind: KindTransport, Block: -1, Msg: "transport error"}
	ErrTimeout              = &Error{Kind: KindTimeout, Block: -1, Msg: "timeout waiting for card"}
	ErrCancelled            = &Error{Kind: KindCancelled, Block: -1, Msg: "wait for card cancelled"}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed, Block: -1, Msg: "authentication failed"}
	ErrReadFailed           = &Error{Kind: KindReadFailed, Block: -1, Msg: "read failed"}
	ErrWriteFailed          = &Error{Kind: KindWriteFailed, Block: -1, Msg: "write failed"}
	ErrInvalidPayloadSize   = &Error{Kind: KindInvalidPayloadSize, Block: -1, Msg: "invalid payload size"}
	ErrInvalidBlock         = &Error{Kind: KindInvalidBlock, Block: -1, Msg: "invalid block"}
	ErrFieldTooLong         = &Error{Kind: KindFieldTooLong, Block: -1, Msg: "field too long"}
	ErrInvalidField         = &Error{Kind: KindInvalidField, Block: -1, Msg: "invalid field"}
	ErrVerificationFailed   = &Error{Kind: KindVerificationFailed, Block: -1, Msg: "verification failed"}
	ErrNoCardDetected       = &Error{Kind: KindNoCardDetected, Block: -1, Msg: "no card detected"}
	ErrNoCardConnected      = &Error{Kind: KindNoCardConnected, Block: -1, Msg: "no card connected"}
)

// KindOf extracts the Kind carried by err, or KindNone if err is nil or
// not produced by this package.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

func newError(kind Kind, block int, format string, args ...any) *Error {
	return &Error{Kind: kind, Block: block, Msg: fmt.Sprintf(format, args...)}
}

func transportError(op string, cause error) *Error {
	return &Error{Kind: KindTransport, Block: -1, Msg: "transport error during " + op, Cause: cause}
}

func statusError(kind Kind, block int, what string, sw1, sw2 byte) *Error {
	return &Error{
		Kind:  kind,
		Block: block,
		SW1:   sw1,
		SW2:   sw2,
		Msg:   fmt.Sprintf("%s for block %d: %02X %02X", what, block, sw1, sw2),
	}
}

// NewFieldError reports a field that cannot be encoded into a block.
func NewFieldError(kind Kind, field, format string, args ...any) *Error {
	e := newError(kind, -1, format, args...)
	e.Field = field
	return e
}

// NewVerificationError reports a read-back that did not match what was written.
func NewVerificationError(field string, block int, expected, actual string) *Error {
	return &Error{
		Kind:     KindVerificationFailed,
		Block:    block,
		Field:    field,
		Expected: expected,
		Actual:   actual,
		Msg:      fmt.Sprintf("%s mismatch: expected '%s', got '%s'", field, expected, actual),
	}
}

// NewNoCardDetected wraps a failed wait for card presence.
func NewNoCardDetected(cause error) *Error {
	return &Error{
		Kind:  KindNoCardDetected,
		Block: -1,
		Msg:   "no card detected, place a card on the reader and try again",
		Cause: cause,
	}
}
