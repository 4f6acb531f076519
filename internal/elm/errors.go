package elm

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is delivered to a command's handler when no reply arrived in time.
	ErrTimeout = errors.New("elm: command timed out")
	// ErrClosed is delivered to handlers still queued when the channel shuts down.
	ErrClosed = errors.New("elm: channel closed")
	// ErrOverrun is reported when the receive buffer grew past its maximum.
	ErrOverrun = errors.New("elm: receive buffer overrun")
	// ErrUnmatchedPacket is reported for a packet that arrived with no active command.
	ErrUnmatchedPacket = errors.New("elm: packet with no active command")
	// ErrEmptyPacket is reported for a prompt that was not preceded by any data.
	ErrEmptyPacket = errors.New("elm: empty packet")
)

// SetupError is returned by Open when the reset handshake fails.
// The channel is unusable after a SetupError.
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("elm: setup failed at %s: %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// PacketError carries the offending packet of an unmatched or empty reply
// to the error notifier.
type PacketError struct {
	Packet []byte
	Err    error
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Packet)
}

func (e *PacketError) Unwrap() error { return e.Err }

// TransportError reports a failed read or write on the port that no single
// command owns. After a read failure no more replies will arrive.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("elm: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
