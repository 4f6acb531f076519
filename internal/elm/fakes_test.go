package elm

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePort is an in-memory transport. Tests push adapter output with send
// and observe every Write through writes.
type fakePort struct {
	rx     chan []byte
	writes chan []byte

	mu      sync.Mutex
	written [][]byte
	pending []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakePort() *fakePort {
	return &fakePort{
		rx:     make(chan []byte, 64),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (p *fakePort) send(s string) { p.rx <- []byte(s) }

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	select {
	case data := <-p.rx:
		n := copy(b, data)
		p.mu.Lock()
		p.pending = append(p.pending, data[n:]...)
		p.mu.Unlock()
		return n, nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	data := append([]byte(nil), b...)
	p.mu.Lock()
	p.written = append(p.written, data)
	p.mu.Unlock()
	p.writes <- data
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) allWrites() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.written))
	for i, w := range p.written {
		out[i] = string(w)
	}
	return out
}

// nextWrite waits for the channel to write to the port.
func (p *fakePort) nextWrite(t *testing.T) string {
	t.Helper()
	select {
	case w := <-p.writes:
		return string(w)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for a write")
		return ""
	}
}

// noWrite asserts nothing is written for a short while.
func (p *fakePort) noWrite(t *testing.T) {
	t.Helper()
	select {
	case w := <-p.writes:
		require.FailNowf(t, "unexpected write", "%q", w)
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeClock only fires timers when told to.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// armed returns the number of timers created so far.
func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fire runs timer i even if it was stopped, like a runtime timer that had
// already started when Stop was called.
func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	t := c.timers[i]
	t.fired = true
	c.mu.Unlock()
	t.f()
}

func (c *fakeClock) stopped(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i].stopped
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, "timed out waiting for %s", what)
}

type result struct {
	resp []byte
	err  error
}

func collect(ch chan<- result) Handler {
	return func(resp []byte, err error) {
		ch <- result{resp: resp, err: err}
	}
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for handler")
		return result{}
	}
}

func startChannel(t *testing.T, cfg Config) (*Channel, *fakePort, *fakeClock) {
	t.Helper()
	port := newFakePort()
	clock := &fakeClock{}
	cfg.Clock = clock
	c := newChannel(port, cfg)
	require.NotNil(t, c)
	c.start()
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c, port, clock
}
