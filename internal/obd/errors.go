package obd

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPID is returned for PIDs outside the 16-bit range.
	ErrInvalidPID = errors.New("obd: pid out of range")
	// ErrShortReply is returned when a reply has fewer bytes than the PID needs.
	ErrShortReply = errors.New("obd: reply too short")
)

// MismatchError is returned when the reply header does not echo the request.
type MismatchError struct {
	PID  uint16
	Want [2]byte
	Got  [2]byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("obd: reply to %04X has header % X, want % X", e.PID, e.Got[:], e.Want[:])
}

// AdapterError is a textual status the adapter printed instead of data,
// such as NO DATA or UNABLE TO CONNECT.
type AdapterError struct {
	PID     uint16
	Message string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("obd: %04X: adapter replied %q", e.PID, e.Message)
}
