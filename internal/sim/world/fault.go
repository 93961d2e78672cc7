package world

import (
	"errors"
	"fmt"

	"ecosim.dev/internal/protocol"
)

// Fault is an error tagged with a protocol fault code so the control
// transport can return structured errors without string matching.
type Fault struct {
	Code string
	msg  string
}

func (f *Fault) Error() string { return f.msg }

func Faultf(code, format string, args ...any) *Fault {
	return &Fault{Code: code, msg: fmt.Sprintf(format, args...)}
}

// FaultCode extracts the protocol code from an error chain; unrecognized
// errors map to E_CONTROL.
func FaultCode(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return protocol.ErrControl
}
