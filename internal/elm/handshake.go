package elm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Handshake literals.
const (
	resetCommand   = "ATZ"
	echoOffCommand = "ATE0"
	okReply        = "OK"
	promptByte     = '>'
)

// pollInterval is how long the handshake waits after a read that returned
// nothing before polling the transport again.
const pollInterval = 10 * time.Millisecond

// syncReader reads the adapter synchronously. It is only used before the
// channel's reader goroutine exists, so nothing else consumes the stream.
type syncReader struct {
	r       io.Reader
	pending []byte
	buf     []byte
}

func newSyncReader(r io.Reader) *syncReader {
	return &syncReader{r: r, buf: make([]byte, 64)}
}

// fill does one read from the transport into pending.
func (s *syncReader) fill(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if time.Now().After(deadline) {
		return ErrTimeout
	}
	n, err := s.r.Read(s.buf)
	if n > 0 {
		s.pending = append(s.pending, s.buf[:n]...)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if n == 0 {
		time.Sleep(pollInterval)
	}
	return nil
}

// readLine returns the next non-blank line. Prompt characters left over from
// the previous reply are trimmed off.
func (s *syncReader) readLine(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		for {
			i := bytes.IndexByte(s.pending, '\r')
			if i < 0 {
				break
			}
			line := strings.Trim(string(s.pending[:i]), " \n\r>")
			s.pending = s.pending[i+1:]
			if line != "" {
				return line, nil
			}
		}
		if err := s.fill(ctx, deadline); err != nil {
			return "", err
		}
	}
}

// waitPrompt discards input up to and including the prompt character.
func (s *syncReader) waitPrompt(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(s.pending, promptByte); i >= 0 {
			s.pending = nil
			return nil
		}
		s.pending = s.pending[:0]
		if err := s.fill(ctx, deadline); err != nil {
			return err
		}
	}
}

func writeCommand(w io.Writer, cmd string) error {
	log.Trace().Str("component", "elm").Str("tx", cmd).Msg("write")
	if _, err := w.Write([]byte(cmd + string(commandTerminator))); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

// handshake resets the adapter and turns echo off. It returns the firmware
// banner. A hardware reset comes back without the ATZ echo, a software
// reset with it, so the first line is only the banner when it is not the echo.
func handshake(ctx context.Context, port io.ReadWriter, timeout time.Duration) (string, error) {
	r := newSyncReader(port)
	fail := func(step string, err error) (string, error) {
		log.Warn().Str("component", "elm").Str("step", step).Err(err).Msg("handshake failed")
		return "", &SetupError{Step: step, Err: err}
	}

	if err := writeCommand(port, resetCommand); err != nil {
		return fail("reset", err)
	}
	banner, err := r.readLine(ctx, timeout)
	if err != nil {
		return fail("reset", err)
	}
	if banner == resetCommand {
		if banner, err = r.readLine(ctx, timeout); err != nil {
			return fail("banner", err)
		}
	}
	log.Debug().Str("component", "elm").Str("banner", banner).Msg("reset complete")

	if err := writeCommand(port, echoOffCommand); err != nil {
		return fail("echo off", err)
	}
	if _, err := r.readLine(ctx, timeout); err != nil {
		return fail("echo off", err)
	}
	ack, err := r.readLine(ctx, timeout)
	if err != nil {
		return fail("echo off", err)
	}
	if ack != okReply {
		return fail("echo off", fmt.Errorf("got %q, want %q", ack, okReply))
	}

	if err := r.waitPrompt(ctx, timeout); err != nil {
		return fail("prompt", err)
	}
	return banner, nil
}
