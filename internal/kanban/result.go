package kanban

import (
	"errors"
	"fmt"

	"github.com/cwt-line/kanban-agent/internal/core"
)

// Result is the outcome of a station operation. It is the only thing front
// ends see; card and transport errors are folded into Kind and Message.
type Result struct {
	OK      bool      `json:"ok"`
	Kind    core.Kind `json:"kind,omitempty"`
	Message string    `json:"message"`

	Thread1 string `json:"thread1"`
	Thread2 string `json:"thread2"`
	Bypass  bool   `json:"bypass"`

	// Failure details, when the error carries them
	Block      int    `json:"block,omitempty"`
	StatusWord string `json:"statusWord,omitempty"`
	Field      string `json:"field,omitempty"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`

	UID      string `json:"uid,omitempty"`
	ATR      string `json:"atr,omitempty"`
	Reader   string `json:"reader,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`

	Err error `json:"-"`
}

// Success builds a successful result.
func Success(format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...)}
}

// Failure builds a failed result from err.
func Failure(err error) Result {
	if err == nil {
		err = errors.New("unknown error")
	}
	r := Result{
		OK:      false,
		Kind:    core.KindOf(err),
		Message: capitalize(err.Error()),
		Err:     err,
	}
	if r.Kind == core.KindNone {
		r.Kind = core.KindTransport
	}
	var e *core.Error
	if errors.As(err, &e) {
		if e.Block >= 0 {
			r.Block = e.Block
		}
		if e.SW1 != 0 || e.SW2 != 0 {
			r.StatusWord = fmt.Sprintf("%02X%02X", e.SW1, e.SW2)
		}
		r.Field = e.Field
		r.Expected = e.Expected
		r.Actual = e.Actual
	}
	return r
}

// AsError returns the underlying error of a failed result, or nil.
func (r Result) AsError() error {
	if r.OK {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return errors.New(r.Message)
}

func capitalize(msg string) string {
	if msg == "" || msg[0] < 'a' || msg[0] > 'z' {
		return msg
	}
	return string(msg[0]-'a'+'A') + msg[1:]
}
