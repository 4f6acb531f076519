package elm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

const (
	// abortByte (EOT) interrupts whatever the adapter is working on.
	abortByte = 0x04
	// commandTerminator ends every command line.
	commandTerminator = '\r'
	// readChunk is the size of each data-ready read from the transport.
	readChunk = 256
)

// Handler receives the outcome of one command: the raw reply with the prompt
// stripped, or an error (ErrTimeout, ErrClosed, or a write failure).
// Handlers run on the channel's loop goroutine, one at a time, in
// submission order. A handler must not block and must not call Close.
type Handler func(resp []byte, err error)

// Config controls a Channel.
type Config struct {
	// MaxBuffer bounds the receive buffer (default 4096 bytes).
	MaxBuffer int
	// HandshakeTimeout bounds each read of the reset handshake (default 5s).
	HandshakeTimeout time.Duration
	// Clock schedules command timeouts (default RealClock).
	Clock Clock
}

func (c Config) withDefaults() Config {
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = DefaultMaxBuffer
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	return c
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Sent      uint64 `json:"sent"`
	Completed uint64 `json:"completed"`
	Timeouts  uint64 `json:"timeouts"`
	Unmatched uint64 `json:"unmatched"`
	Overruns  uint64 `json:"overruns"`
}

type pending struct {
	cmd     string
	timeout time.Duration
	handler Handler
	seq     uint64
	timer   Timer
}

// Channel runs commands against an STN1110/ELM327 adapter one at a time.
//
// A single loop goroutine owns the active command and the receive buffer.
// Incoming data, timer expiry and new submissions all reach it as events,
// so channel state is never touched concurrently.
type Channel struct {
	port   io.ReadWriter
	clock  Clock
	framer *Framer
	banner string

	mu      sync.Mutex
	queue   []*pending
	closed  bool
	onError func(error)

	wake    chan struct{}
	rx      chan []byte
	rxErr   chan error
	fired   chan uint64
	done    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	closeErr  error

	// owned by the loop goroutine
	active *pending
	seq    uint64

	sent      atomic.Uint64
	completed atomic.Uint64
	timeouts  atomic.Uint64
	unmatched atomic.Uint64
	overruns  atomic.Uint64
}

// Open resets the adapter on port, waits for it to come back with echo
// disabled, and starts the channel. The handshake is synchronous: Open
// returns only once the adapter has acknowledged ATE0 and shown its prompt,
// or with a *SetupError. On failure port is left open for the caller.
func Open(ctx context.Context, port io.ReadWriter, cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()

	banner, err := handshake(ctx, port, cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "elm").Str("banner", banner).Msg("adapter ready")

	c := newChannel(port, cfg)
	c.banner = banner
	c.start()
	return c, nil
}

func newChannel(port io.ReadWriter, cfg Config) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		port:    port,
		clock:   cfg.Clock,
		framer:  NewFramer(cfg.MaxBuffer),
		wake:    make(chan struct{}, 1),
		rx:      make(chan []byte, 16),
		rxErr:   make(chan error, 1),
		fired:   make(chan uint64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (c *Channel) start() {
	go c.readLoop()
	go c.loop()
}

// Banner returns the firmware identification printed after reset.
func (c *Channel) Banner() string { return c.banner }

// OnError registers the notifier for errors that belong to no single
// command: *PacketError, ErrOverrun and *TransportError. Without a notifier
// these are only logged.
func (c *Channel) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Execute queues cmd and returns immediately. h is called exactly once,
// with the reply or with an error. Execute is safe to call from a handler.
func (c *Channel) Execute(cmd string, timeout time.Duration, h Handler) {
	if h == nil {
		h = func([]byte, error) {}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		h(nil, ErrClosed)
		return
	}
	c.queue = append(c.queue, &pending{cmd: cmd, timeout: timeout, handler: h})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stats returns the current counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:      c.sent.Load(),
		Completed: c.completed.Load(),
		Timeouts:  c.timeouts.Load(),
		Unmatched: c.unmatched.Load(),
		Overruns:  c.overruns.Load(),
	}
}

// Close stops the channel. Queued and in-flight commands get ErrClosed.
// The transport is closed if it implements io.Closer.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)
		if closer, ok := c.port.(io.Closer); ok {
			c.closeErr = closer.Close()
		}
		<-c.stopped
	})
	return c.closeErr
}

func (c *Channel) loop() {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			c.shutdown()
			return
		case <-c.wake:
			c.advance()
		case chunk := <-c.rx:
			c.handleData(chunk)
		case seq := <-c.fired:
			c.handleTimeout(seq)
		case err := <-c.rxErr:
			c.notify(&TransportError{Op: "read", Err: err})
		}
	}
}

// readLoop forwards data-ready chunks to the loop. A transport with a read
// timeout returns 0 bytes when idle; that is simply retried.
func (c *Channel) readLoop() {
	buf := make([]byte, readChunk)
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			log.Trace().Str("component", "elm").Bytes("rx", chunk).Msg("read")
			select {
			case c.rx <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case <-c.done:
			case c.rxErr <- err:
			}
			return
		}
		if n == 0 {
			select {
			case <-c.done:
				return
			case <-time.After(pollInterval):
			}
		}
	}
}

// advance writes the next queued command if nothing is in flight.
func (c *Channel) advance() {
	for c.active == nil {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		p := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.seq++
		p.seq = c.seq

		line := make([]byte, 0, len(p.cmd)+1)
		line = append(line, p.cmd...)
		line = append(line, commandTerminator)
		log.Trace().Str("component", "elm").Str("tx", p.cmd).Msg("write")
		if _, err := c.port.Write(line); err != nil {
			p.handler(nil, fmt.Errorf("elm: write %q: %w", p.cmd, err))
			continue
		}
		c.sent.Inc()

		c.active = p
		seq := p.seq
		p.timer = c.clock.AfterFunc(p.timeout, func() { c.expire(seq) })
	}
}

// expire runs on the clock's goroutine and hands the event to the loop.
func (c *Channel) expire(seq uint64) {
	select {
	case c.fired <- seq:
	case <-c.done:
	}
}

func (c *Channel) handleData(chunk []byte) {
	packets, err := c.framer.Feed(chunk)
	for _, pkt := range packets {
		c.handlePacket(pkt)
	}
	if err != nil {
		c.overruns.Inc()
		c.notify(err)
	}
}

func (c *Channel) handlePacket(pkt []byte) {
	if len(bytes.TrimSpace(pkt)) == 0 {
		c.notify(&PacketError{Packet: pkt, Err: ErrEmptyPacket})
		return
	}
	if c.active == nil {
		c.unmatched.Inc()
		c.notify(&PacketError{Packet: pkt, Err: ErrUnmatchedPacket})
		return
	}

	p := c.active
	c.active = nil
	p.timer.Stop()
	c.completed.Inc()
	p.handler(pkt, nil)
	c.advance()
}

func (c *Channel) handleTimeout(seq uint64) {
	// The reply may have won the race against the timer.
	if c.active == nil || c.active.seq != seq {
		return
	}

	p := c.active
	c.active = nil
	c.timeouts.Inc()
	log.Debug().Str("component", "elm").Str("cmd", p.cmd).Dur("timeout", p.timeout).Msg("command timed out")
	p.handler(nil, ErrTimeout)

	if _, err := c.port.Write([]byte{abortByte}); err != nil {
		c.notify(&TransportError{Op: "write abort", Err: err})
	}
	c.advance()
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	c.closed = true
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	if p := c.active; p != nil {
		c.active = nil
		p.timer.Stop()
		p.handler(nil, ErrClosed)
	}
	for _, p := range queue {
		p.handler(nil, ErrClosed)
	}
}

func (c *Channel) notify(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()

	log.Debug().Str("component", "elm").Err(err).Msg("protocol error")
	if fn != nil {
		fn(err)
	}
}
