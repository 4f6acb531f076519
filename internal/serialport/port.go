// Package serialport opens the adapter's UART.
package serialport

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// DefaultReadTimeout is how long Read waits before reporting no data.
const DefaultReadTimeout = 100 * time.Millisecond

// Config selects the device and line speed. The line is always 8N1.
type Config struct {
	Path        string
	BaudRate    int
	ReadTimeout time.Duration
}

// Port is an open serial line. Read returns 0, nil when no byte arrived
// within the read timeout.
type Port struct {
	port serial.Port
	path string
	baud int
}

// Open opens cfg.Path. Input the device buffered before Open stays
// readable until Flush.
func Open(cfg Config) (*Port, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", cfg.Path, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("serialport: set read timeout: %w", err)
	}
	log.Info().Str("component", "serial").Str("port", cfg.Path).Int("baud", cfg.BaudRate).Msg("opened")
	return &Port{port: port, path: cfg.Path, baud: cfg.BaudRate}, nil
}

func (p *Port) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *Port) Write(b []byte) (int, error) { return p.port.Write(b) }

// Close releases the device. A Read blocked on another goroutine returns
// with an error.
func (p *Port) Close() error { return p.port.Close() }

// Flush drops unread input.
func (p *Port) Flush() error { return p.port.ResetInputBuffer() }

// Path is the device the port was opened on.
func (p *Port) Path() string  { return p.path }
func (p *Port) BaudRate() int { return p.baud }

// List returns the serial devices present on this machine.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialport: list: %w", err)
	}
	return ports, nil
}
