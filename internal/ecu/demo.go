package ecu

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	demoBanner    = "ELM327 v1.5"
	demoSTNBanner = "STN1110 v4.0.1"
	demoPrompt    = "\r\r>"
)

// DemoDevice simulates an STN1110 on the far end of a serial line. It
// speaks the AT command set well enough for the handshake and answers
// mode 01 requests with a simulated engine.
type DemoDevice struct {
	mu     sync.Mutex
	out    []byte
	line   []byte
	echo   bool
	silent bool
	start  time.Time

	readTimeout time.Duration
	ready       chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// NewDemoDevice returns a powered-up simulated adapter.
func NewDemoDevice() *DemoDevice {
	return &DemoDevice{
		echo:        true,
		start:       time.Now(),
		readTimeout: 50 * time.Millisecond,
		ready:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// SetSilent makes the device swallow commands without replying, like an
// adapter whose vehicle bus has gone quiet.
func (d *DemoDevice) SetSilent(v bool) {
	d.mu.Lock()
	d.silent = v
	d.mu.Unlock()
}

// Read returns pending output, or 0, nil after a short wait with nothing to
// say.
func (d *DemoDevice) Read(p []byte) (int, error) {
	timer := time.NewTimer(d.readTimeout)
	defer timer.Stop()
	for {
		d.mu.Lock()
		if len(d.out) > 0 {
			n := copy(p, d.out)
			d.out = d.out[n:]
			d.mu.Unlock()
			return n, nil
		}
		d.mu.Unlock()

		select {
		case <-d.ready:
		case <-timer.C:
			return 0, nil
		case <-d.done:
			return 0, io.EOF
		}
	}
}

// Write feeds command bytes to the device. Each carriage return completes
// a command.
func (d *DemoDevice) Write(p []byte) (int, error) {
	select {
	case <-d.done:
		return 0, io.ErrClosedPipe
	default:
	}

	d.mu.Lock()
	for _, b := range p {
		switch b {
		case 0x04, '\n', ' ':
		case '\r':
			d.command(strings.ToUpper(string(d.line)))
			d.line = d.line[:0]
		default:
			d.line = append(d.line, b)
		}
	}
	d.mu.Unlock()
	return len(p), nil
}

// Flush drops output not yet read and any partial command.
func (d *DemoDevice) Flush() error {
	d.mu.Lock()
	d.out = nil
	d.line = d.line[:0]
	d.mu.Unlock()
	return nil
}

func (d *DemoDevice) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return nil
}

// must hold d.mu
func (d *DemoDevice) emit(s string) {
	d.out = append(d.out, s...)
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

// must hold d.mu
func (d *DemoDevice) command(cmd string) {
	if cmd == "" || d.silent {
		return
	}
	if d.echo {
		d.emit(cmd + "\r")
	}

	switch {
	case cmd == "ATZ" || cmd == "ATWS":
		d.echo = true
		d.emit("\r\r" + demoBanner + demoPrompt)
	case cmd == "ATI":
		d.emit(demoBanner + demoPrompt)
	case cmd == "STI":
		d.emit(demoSTNBanner + demoPrompt)
	case cmd == "ATE0":
		d.echo = false
		d.emit("OK" + demoPrompt)
	case cmd == "ATE1":
		d.echo = true
		d.emit("OK" + demoPrompt)
	case cmd == "ATRV":
		d.emit(fmt.Sprintf("%.1fV", d.engine().voltage) + demoPrompt)
	case cmd == "ATDP":
		d.emit("AUTO, ISO 15765-4 (CAN 11/500)" + demoPrompt)
	case strings.HasPrefix(cmd, "AT") || strings.HasPrefix(cmd, "ST"):
		d.emit("OK" + demoPrompt)
	default:
		d.emit(d.answer(cmd) + demoPrompt)
	}
}

// must hold d.mu
func (d *DemoDevice) answer(cmd string) string {
	if len(cmd) != 4 {
		return "?"
	}
	v, err := strconv.ParseUint(cmd, 16, 16)
	if err != nil {
		return "?"
	}
	pid := uint16(v)
	data, ok := d.engine().encode(pid)
	if !ok {
		return "NO DATA"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%02X %02X ", byte(pid>>8)+0x40, byte(pid))
	for _, x := range data {
		fmt.Fprintf(&b, "%02X ", x)
	}
	return b.String()
}

// engineState is one instant of the simulated engine, in physical units.
type engineState struct {
	rpm, speed, tps, mapKPa, advance float64
	coolant, iat, oil, maf, voltage  float64
	runtime                          float64
}

// must hold d.mu
func (d *DemoDevice) engine() engineState {
	t := time.Since(d.start).Seconds()

	// RPM cycles between idle and revving.
	rpm := 850 + 4000*math.Pow(math.Sin(t*0.3), 2) + rand.Float64()*50
	tps := clamp((rpm-850)/(8000-850)*100, 0, 100)

	return engineState{
		rpm:     rpm,
		speed:   tps / 100 * 220,
		tps:     tps,
		mapKPa:  30 + tps/100*70,
		advance: 10 + tps/100*28,
		coolant: 85 + rand.Float64()*5,
		iat:     30 + rand.Float64()*8,
		oil:     95 + rand.Float64()*3,
		maf:     rpm / 100 * (0.5 + tps/100),
		voltage: 13.8 + rand.Float64()*0.4,
		runtime: t,
	}
}

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

func u8(v float64) byte { return byte(clamp(math.Round(v), 0, 255)) }

func u16(v float64) []byte {
	n := uint16(clamp(math.Round(v), 0, 65535))
	return []byte{byte(n >> 8), byte(n)}
}

// encode is the inverse of the obd transform table.
func (s engineState) encode(pid uint16) ([]byte, bool) {
	switch pid {
	case 0x0100:
		return []byte{0xBE, 0x1F, 0xB8, 0x13}, true
	case 0x0104:
		return []byte{u8(s.tps * 255 / 100)}, true
	case 0x0105:
		return []byte{u8(s.coolant + 40)}, true
	case 0x0106, 0x0107:
		return []byte{128}, true
	case 0x010A:
		return []byte{u8(300.0 / 3)}, true
	case 0x010B:
		return []byte{u8(s.mapKPa)}, true
	case 0x010C:
		return u16(s.rpm * 4), true
	case 0x010D:
		return []byte{u8(s.speed)}, true
	case 0x010E:
		return []byte{u8((s.advance + 64) * 2)}, true
	case 0x010F:
		return []byte{u8(s.iat + 40)}, true
	case 0x0110:
		return u16(s.maf * 100), true
	case 0x0111:
		return []byte{u8(s.tps * 255 / 100)}, true
	case 0x011F:
		return u16(s.runtime), true
	case 0x0121:
		return u16(0), true
	case 0x012F:
		return []byte{u8(62 * 255 / 100.0)}, true
	case 0x0133:
		return []byte{101}, true
	case 0x0142:
		return u16(s.voltage * 1000), true
	case 0x0146:
		return []byte{u8(22 + 40)}, true
	case 0x015C:
		return []byte{u8(s.oil + 40)}, true
	case 0x015E:
		return u16(s.maf / 14.7 / 0.745 * 3.6 * 20), true
	}
	return nil, false
}
