package elm

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_ExecuteReturnsRawReply(t *testing.T) {
	c, port, _ := startChannel(t, Config{})
	results := make(chan result, 1)

	c.Execute("0105", time.Second, collect(results))
	require.Equal(t, "0105\r", port.nextWrite(t))
	port.send("41 05 5A\r\r>")

	r := await(t, results)
	require.NoError(t, r.err)
	assert.Equal(t, "41 05 5A", string(r.resp))
}

func TestChannel_FIFOWithSingleCommandInFlight(t *testing.T) {
	c, port, _ := startChannel(t, Config{})

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)
	handler := func(name string) Handler {
		return func(resp []byte, err error) {
			mu.Lock()
			order = append(order, name+"="+string(resp))
			mu.Unlock()
			done <- struct{}{}
		}
	}

	c.Execute("C1", time.Second, handler("C1"))
	c.Execute("C2", time.Second, handler("C2"))
	c.Execute("C3", time.Second, handler("C3"))

	for i, cmd := range []string{"C1", "C2", "C3"} {
		require.Equal(t, cmd+"\r", port.nextWrite(t), "write %d", i)
		// Nothing else may be written until this command is answered.
		port.noWrite(t)
		port.send("R" + cmd[1:] + "\r\r>")
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "C1=R1,C2=R2,C3=R3", strings.Join(order, ","))
}

func TestChannel_TimeoutWritesAbortOnce(t *testing.T) {
	c, port, clock := startChannel(t, Config{})
	results := make(chan result, 1)

	c.Execute("ATZ", time.Second, collect(results))
	port.nextWrite(t)
	waitFor(t, "timer", func() bool { return clock.armed() == 1 })
	clock.fire(0)

	r := await(t, results)
	require.ErrorIs(t, r.err, ErrTimeout)
	require.Equal(t, "\x04", port.nextWrite(t), "write after timeout")
	port.noWrite(t)

	aborts := 0
	for _, w := range port.allWrites() {
		if w == "\x04" {
			aborts++
		}
	}
	assert.Equal(t, 1, aborts, "abort bytes written")
	assert.Equal(t, uint64(1), c.Stats().Timeouts)
}

func TestChannel_TimeoutAdvancesQueue(t *testing.T) {
	c, port, clock := startChannel(t, Config{})
	first := make(chan result, 1)
	second := make(chan result, 1)

	c.Execute("010C", time.Second, collect(first))
	c.Execute("010D", time.Second, collect(second))

	port.nextWrite(t)
	waitFor(t, "timer", func() bool { return clock.armed() == 1 })
	clock.fire(0)

	require.ErrorIs(t, await(t, first).err, ErrTimeout)
	require.Equal(t, "\x04", port.nextWrite(t))
	require.Equal(t, "010D\r", port.nextWrite(t))

	port.send("41 0D 32\r\r>")
	r := await(t, second)
	assert.NoError(t, r.err)
	assert.Equal(t, "41 0D 32", string(r.resp))
}

func TestChannel_StaleTimerIgnored(t *testing.T) {
	c, port, clock := startChannel(t, Config{})
	first := make(chan result, 2)
	second := make(chan result, 2)

	c.Execute("0105", time.Second, collect(first))
	port.nextWrite(t)
	port.send("41 05 5A\r\r>")
	await(t, first)
	assert.True(t, clock.stopped(0), "timer was not stopped after reply")

	c.Execute("010C", time.Second, collect(second))
	port.nextWrite(t)
	waitFor(t, "second timer", func() bool { return clock.armed() == 2 })

	// The first timer fires late; it must not time out the second command.
	clock.fire(0)
	port.send("41 0C 1A F8\r\r>")
	assert.NoError(t, await(t, second).err)
	assert.Empty(t, first, "first handler called twice")
}

func awaitError(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(2 * time.Second):
		require.FailNow(t, "notifier not called")
		return nil
	}
}

func TestChannel_UnmatchedPacketReported(t *testing.T) {
	c, port, _ := startChannel(t, Config{})
	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })

	port.send("41 05 5A\r\r>")

	err := awaitError(t, errs)
	assert.ErrorIs(t, err, ErrUnmatchedPacket)
	var pe *PacketError
	if assert.ErrorAs(t, err, &pe) {
		assert.Equal(t, "41 05 5A", string(pe.Packet))
	}

	// The channel still works afterwards.
	results := make(chan result, 1)
	c.Execute("ATRV", time.Second, collect(results))
	port.nextWrite(t)
	port.send("12.6V\r\r>")
	assert.Equal(t, "12.6V", string(await(t, results).resp))
}

func TestChannel_LateReplyAfterTimeoutIsUnmatched(t *testing.T) {
	c, port, clock := startChannel(t, Config{})
	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })
	results := make(chan result, 1)

	c.Execute("0100", time.Second, collect(results))
	port.nextWrite(t)
	waitFor(t, "timer", func() bool { return clock.armed() == 1 })
	clock.fire(0)
	await(t, results)
	port.nextWrite(t) // EOT

	port.send("STOPPED\r\r>")
	assert.ErrorIs(t, awaitError(t, errs), ErrUnmatchedPacket)
}

func TestChannel_EmptyPacketDoesNotCompleteCommand(t *testing.T) {
	c, port, _ := startChannel(t, Config{})
	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })
	results := make(chan result, 1)

	c.Execute("0105", time.Second, collect(results))
	port.nextWrite(t)
	port.send("\r\r>")

	assert.ErrorIs(t, awaitError(t, errs), ErrEmptyPacket)

	port.send("41 05 5A\r\r>")
	assert.Equal(t, "41 05 5A", string(await(t, results).resp))
}

func TestChannel_OverrunReportedOnce(t *testing.T) {
	c, port, _ := startChannel(t, Config{MaxBuffer: 32})
	errs := make(chan error, 4)
	c.OnError(func(err error) { errs <- err })

	port.send(string(bytes.Repeat([]byte{'A'}, 40)))

	assert.ErrorIs(t, awaitError(t, errs), ErrOverrun)
	select {
	case err := <-errs:
		assert.Failf(t, "unexpected second notification", "%v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), c.Stats().Overruns)
}

func TestChannel_CloseFailsPendingCommands(t *testing.T) {
	port := newFakePort()
	c := newChannel(port, Config{Clock: &fakeClock{}})
	c.start()

	active := make(chan result, 1)
	queued := make(chan result, 1)
	c.Execute("0105", time.Second, collect(active))
	c.Execute("010C", time.Second, collect(queued))
	port.nextWrite(t)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, await(t, active).err, ErrClosed, "active command")
	assert.ErrorIs(t, await(t, queued).err, ErrClosed, "queued command")

	late := make(chan result, 1)
	c.Execute("ATRV", time.Second, collect(late))
	assert.ErrorIs(t, await(t, late).err, ErrClosed, "Execute after Close")
}

func TestChannel_ExecuteFromHandler(t *testing.T) {
	c, port, _ := startChannel(t, Config{})
	results := make(chan result, 1)

	c.Execute("0100", time.Second, func(resp []byte, err error) {
		c.Execute("0120", time.Second, collect(results))
	})
	port.nextWrite(t)
	port.send("41 00 BE 3E B8 11\r\r>")

	require.Equal(t, "0120\r", port.nextWrite(t))
	port.send("41 20 80 01 A0 01\r\r>")
	assert.NoError(t, await(t, results).err)
}
