package obd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/obd-dash/internal/elm"
)

// DefaultReadTimeout bounds a single PID request.
const DefaultReadTimeout = time.Second

// modeReplyOffset is added to the service mode in a positive reply.
const modeReplyOffset = 0x40

// Executor runs one adapter command. *elm.Channel satisfies it.
type Executor interface {
	Execute(cmd string, timeout time.Duration, h elm.Handler)
}

// Reading is one decoded PID reply.
type Reading struct {
	PID       uint16    `json:"pid"`
	Name      string    `json:"name,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Data      []byte    `json:"data"`
	Value     float64   `json:"value"`
	Converted bool      `json:"converted"`
	Time      time.Time `json:"time"`
}

// Callback receives a reading or the reason there is none.
type Callback func(Reading, error)

// Poller issues PID requests over an Executor and keeps periodic
// subscriptions going. Callbacks run on the executor's handler goroutine.
type Poller struct {
	exec    Executor
	clock   elm.Clock
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	subs map[uint16]*subscription
}

// NewPoller returns a Poller over exec. A nil clock means elm.RealClock.
func NewPoller(exec Executor, clock elm.Clock) *Poller {
	if clock == nil {
		clock = elm.RealClock{}
	}
	return &Poller{
		exec:    exec,
		clock:   clock,
		timeout: DefaultReadTimeout,
		now:     time.Now,
		subs:    make(map[uint16]*subscription),
	}
}

// SetTimeout changes the per-request timeout.
func (p *Poller) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// request carries what a single reply needs to be decoded and delivered.
type request struct {
	pid uint16
	cb  Callback
	now func() time.Time
}

func (r request) handle(resp []byte, err error) {
	if err != nil {
		r.cb(Reading{PID: r.pid}, err)
		return
	}
	reading, err := Decode(r.pid, resp)
	reading.Time = r.now()
	r.cb(reading, err)
}

// ReadOnce requests pid once. The command is the PID as four uppercase hex
// digits; cb gets the decoded reading or an error.
func (p *Poller) ReadOnce(pid int, cb Callback) {
	if cb == nil {
		cb = func(Reading, error) {}
	}
	if pid < 0 || pid > 0xFFFF {
		cb(Reading{}, fmt.Errorf("%w: %d", ErrInvalidPID, pid))
		return
	}
	req := request{pid: uint16(pid), cb: cb, now: p.now}
	p.exec.Execute(fmt.Sprintf("%04X", pid), p.timeout, req.handle)
}

type subscription struct {
	pid    uint16
	cb     Callback
	period time.Duration
	timer  elm.Timer // guarded by Poller.mu

	// held while cb runs
	deliver sync.Mutex
}

// Subscribe polls pid every period until Unsubscribe. The next request is
// scheduled only after the previous one completes, so a slow bus never
// stacks requests. Subscribing again replaces the earlier callback; once
// Subscribe returns the old callback is not called again.
//
// A callback must not Subscribe or Unsubscribe its own PID. Either call
// waits for that callback to return.
func (p *Poller) Subscribe(pid int, cb Callback, period time.Duration) error {
	if pid < 0 || pid > 0xFFFF {
		return fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if cb == nil {
		return fmt.Errorf("obd: subscribe %04X: nil callback", pid)
	}
	if period <= 0 {
		return fmt.Errorf("obd: subscribe %04X: period must be positive", pid)
	}

	sub := &subscription{pid: uint16(pid), cb: cb, period: period}
	p.mu.Lock()
	old := p.subs[sub.pid]
	if old != nil {
		old.stop()
	}
	p.subs[sub.pid] = sub
	p.mu.Unlock()
	if old != nil {
		old.wait()
	}

	log.Debug().Str("component", "obd").Str("pid", fmt.Sprintf("%04X", pid)).Dur("period", period).Msg("subscribed")
	p.poll(sub)
	return nil
}

// Unsubscribe stops polling pid. If the callback is running, Unsubscribe
// waits for it to return; after that the callback is never called again
// and a reply still in flight is discarded. Unknown PIDs are ignored.
func (p *Poller) Unsubscribe(pid int) {
	if pid < 0 || pid > 0xFFFF {
		return
	}
	p.mu.Lock()
	sub := p.subs[uint16(pid)]
	delete(p.subs, uint16(pid))
	if sub != nil {
		sub.stop()
	}
	p.mu.Unlock()

	if sub != nil {
		sub.wait()
	}
}

// Subscribed lists the PIDs with an active subscription.
func (p *Poller) Subscribed() []uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint16, 0, len(p.subs))
	for pid := range p.subs {
		out = append(out, pid)
	}
	return out
}

// Close drops every subscription and waits for running callbacks.
func (p *Poller) Close() {
	p.mu.Lock()
	dropped := make([]*subscription, 0, len(p.subs))
	for pid, sub := range p.subs {
		sub.stop()
		delete(p.subs, pid)
		dropped = append(dropped, sub)
	}
	p.mu.Unlock()

	for _, sub := range dropped {
		sub.wait()
	}
}

// must hold p.mu
func (s *subscription) stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// wait returns once no callback for s is running. Call without p.mu.
func (s *subscription) wait() {
	s.deliver.Lock()
	s.deliver.Unlock()
}

func (p *Poller) current(sub *subscription) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[sub.pid] == sub
}

func (p *Poller) poll(sub *subscription) {
	if !p.current(sub) {
		return
	}
	p.ReadOnce(int(sub.pid), func(r Reading, err error) {
		// Checked under deliver so a concurrent Unsubscribe either sees
		// this call finish or prevents it.
		sub.deliver.Lock()
		if !p.current(sub) {
			sub.deliver.Unlock()
			return
		}
		sub.cb(r, err)
		sub.deliver.Unlock()

		p.mu.Lock()
		if p.subs[sub.pid] == sub {
			sub.timer = p.clock.AfterFunc(sub.period, func() { p.poll(sub) })
		}
		p.mu.Unlock()
	})
}

// Decode parses a raw adapter reply to a request for pid. The first
// non-empty line must be a positive reply whose first two bytes echo the
// request (mode+0x40, PID); the remaining bytes are the payload.
func Decode(pid uint16, resp []byte) (Reading, error) {
	r := Reading{PID: pid}
	if def, ok := Lookup(pid); ok {
		r.Name, r.Unit = def.Name, def.Unit
	}

	line := replyLine(resp)
	if msg, ok := adapterStatus(line); ok {
		return r, &AdapterError{PID: pid, Message: msg}
	}
	data, err := parseHex(line)
	if err != nil {
		return r, fmt.Errorf("obd: %04X: %w", pid, err)
	}
	if len(data) < 2 {
		return r, fmt.Errorf("obd: %04X: %w", pid, ErrShortReply)
	}

	want := [2]byte{byte(pid>>8) + modeReplyOffset, byte(pid)}
	if data[0] != want[0] || data[1] != want[1] {
		return r, &MismatchError{PID: pid, Want: want, Got: [2]byte{data[0], data[1]}}
	}

	r.Data = data[2:]
	if def, ok := Lookup(pid); ok {
		if len(r.Data) < def.Bytes {
			return r, fmt.Errorf("obd: %04X: %w: %d of %d bytes", pid, ErrShortReply, len(r.Data), def.Bytes)
		}
		r.Value = def.Convert(r.Data)
		r.Converted = true
	}
	return r, nil
}

// replyLine returns the first line carrying a reply, skipping blank lines
// and the protocol search notice.
func replyLine(resp []byte) string {
	for _, raw := range bytes.FieldsFunc(resp, func(c rune) bool { return c == '\r' || c == '\n' }) {
		line := strings.TrimSpace(string(raw))
		if line == "" || strings.HasPrefix(line, "SEARCHING") {
			continue
		}
		return line
	}
	return ""
}

var statusMessages = []string{
	"NO DATA",
	"?",
	"STOPPED",
	"UNABLE TO CONNECT",
	"CAN ERROR",
	"BUS INIT",
	"BUS ERROR",
	"BUS BUSY",
	"DATA ERROR",
	"FB ERROR",
	"ACT ALERT",
	"LV RESET",
	"BUFFER FULL",
}

func adapterStatus(line string) (string, bool) {
	for _, msg := range statusMessages {
		if strings.HasPrefix(line, msg) {
			return line, true
		}
	}
	return "", false
}

// parseHex accepts spaced ("41 0C 1A F8") or packed ("410C1AF8") hex.
func parseHex(line string) ([]byte, error) {
	var out []byte
	for _, field := range strings.Fields(line) {
		b, err := hex.DecodeString(field)
		if err != nil {
			return nil, fmt.Errorf("bad hex %q", field)
		}
		out = append(out, b...)
	}
	return out, nil
}
