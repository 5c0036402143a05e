package process

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is wrapped by the panic value raised when the loop
// reports an exit for a pid the supervisor does not own.
var ErrProtocolViolation = errors.New("child watch protocol violation")

// ProtocolViolationError describes a child watch callback delivered for the
// wrong pid.
type ProtocolViolationError struct {
	Expected int
	Got      int
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("%v: expected pid %d, got %d", ErrProtocolViolation, e.Expected, e.Got)
}

func (e *ProtocolViolationError) Unwrap() error {
	return ErrProtocolViolation
}

// OSError is returned for operating system failures the supervisor does not
// recover from.
type OSError struct {
	Op  string
	Pid int
	Err error
}

func (e *OSError) Error() string {
	return fmt.Sprintf("%s pid %d: %v", e.Op, e.Pid, e.Err)
}

func (e *OSError) Unwrap() error {
	return e.Err
}
