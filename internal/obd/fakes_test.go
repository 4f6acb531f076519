package obd

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obd-dash/internal/elm"
)

type call struct {
	cmd     string
	timeout time.Duration
	h       elm.Handler
}

// fakeExec records commands; tests complete them by calling reply.
type fakeExec struct {
	mu    sync.Mutex
	calls []call
}

func (e *fakeExec) Execute(cmd string, timeout time.Duration, h elm.Handler) {
	e.mu.Lock()
	e.calls = append(e.calls, call{cmd, timeout, h})
	e.mu.Unlock()
}

func (e *fakeExec) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *fakeExec) get(t *testing.T, i int) call {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.Less(t, i, len(e.calls), "command %d never issued", i)
	return e.calls[i]
}

func (e *fakeExec) reply(t *testing.T, i int, resp string, err error) {
	t.Helper()
	c := e.get(t, i)
	if err != nil {
		c.h(nil, err)
		return
	}
	c.h([]byte(resp), nil)
}

type fakeTimer struct {
	f       func()
	d       time.Duration
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) elm.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f, d: d}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fire runs timer i unless it was stopped.
func (c *fakeClock) fire(t *testing.T, i int) {
	t.Helper()
	c.mu.Lock()
	n := len(c.timers)
	c.mu.Unlock()
	require.Less(t, i, n, "timer %d never armed", i)
	tm := c.timer(i)
	if !tm.stopped {
		tm.f()
	}
}

func (c *fakeClock) timer(i int) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}

type got struct {
	r   Reading
	err error
}

func recorder() (*[]got, Callback) {
	var out []got
	return &out, func(r Reading, err error) { out = append(out, got{r, err}) }
}
