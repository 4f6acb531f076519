package ecu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/shaunagostinho/obd-dash/internal/elm"
	"github.com/shaunagostinho/obd-dash/internal/obd"
	"github.com/shaunagostinho/obd-dash/internal/serialport"
)

// AdapterConfig holds connection settings for the adapter.
type AdapterConfig struct {
	Type               string `yaml:"type" json:"type"`          // "stn1110" or "demo"
	PortPath           string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate           int    `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs      int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms" json:"handshakeTimeoutMs"`
	CommandTimeoutMs   int    `yaml:"command_timeout_ms" json:"commandTimeoutMs"`
	MaxBuffer          int    `yaml:"max_buffer" json:"maxBuffer"`
}

// Subscription asks for one PID, by name or hex code, every PeriodMs.
type Subscription struct {
	PID      string `yaml:"pid" json:"pid"`
	PeriodMs int    `yaml:"period_ms" json:"periodMs"`
}

func (c AdapterConfig) commandTimeout() time.Duration {
	if c.CommandTimeoutMs <= 0 {
		return obd.DefaultReadTimeout
	}
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// OpenTransport opens the byte stream to the adapter: the serial port, or a
// simulated device when cfg.Type is "demo".
func OpenTransport(cfg AdapterConfig) (io.ReadWriteCloser, error) {
	switch cfg.Type {
	case "demo":
		return NewDemoDevice(), nil
	case "stn1110", "elm327", "":
		port, err := serialport.Open(serialport.Config{
			Path:        cfg.PortPath,
			BaudRate:    cfg.BaudRate,
			ReadTimeout: time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		return port, nil
	default:
		return nil, fmt.Errorf("ecu: unknown adapter type %q", cfg.Type)
	}
}

// flusher is implemented by transports that can drop stale input.
type flusher interface {
	Flush() error
}

// lineInfo is implemented by transports that know their device and speed.
type lineInfo interface {
	Path() string
	BaudRate() int
}

// Dial opens the transport and resets the adapter. The returned channel
// owns the transport.
func Dial(ctx context.Context, cfg AdapterConfig) (*elm.Channel, error) {
	port, err := OpenTransport(cfg)
	if err != nil {
		return nil, err
	}
	return open(ctx, port, cfg)
}

// open resets the adapter on an already open transport. Bytes left over
// from an earlier session are dropped first so they cannot be taken for
// the reset banner.
func open(ctx context.Context, port io.ReadWriteCloser, cfg AdapterConfig) (*elm.Channel, error) {
	if f, ok := port.(flusher); ok {
		if err := f.Flush(); err != nil {
			log.Warn().Str("component", "ecu").Err(err).Msg("could not flush input")
		}
	}
	if li, ok := port.(lineInfo); ok {
		log.Debug().Str("component", "ecu").Str("port", li.Path()).Int("baud", li.BaudRate()).Msg("resetting adapter")
	}

	ch, err := elm.Open(ctx, port, elm.Config{
		MaxBuffer:        cfg.MaxBuffer,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		port.Close()
		return nil, err
	}
	return ch, nil
}

// STN1110 implements Provider for STN1110 and ELM327 adapters. After
// Connect it polls each configured PID on its own period and keeps the
// latest reading of each.
type STN1110 struct {
	cfg  AdapterConfig
	subs []Subscription

	mu     sync.Mutex
	ch     *elm.Channel
	poller *obd.Poller
	latest map[uint16]obd.Reading

	connected atomic.Bool
	errors    atomic.Uint64
}

// NewSTN1110 creates a provider that will poll subs once connected.
func NewSTN1110(cfg AdapterConfig, subs []Subscription) *STN1110 {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	return &STN1110{
		cfg:    cfg,
		subs:   subs,
		latest: make(map[uint16]obd.Reading),
	}
}

func (s *STN1110) Name() string {
	if s.cfg.Type == "demo" {
		return "STN1110 (simulated)"
	}
	return "STN1110"
}

// Connect opens the adapter and starts the subscriptions. Calling Connect
// on a connected provider first closes the old session.
func (s *STN1110) Connect() error {
	s.Close()

	timeout := 5 * time.Second
	if s.cfg.HandshakeTimeoutMs > 0 {
		timeout = 4 * time.Duration(s.cfg.HandshakeTimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ch, err := Dial(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("ecu: connect %s: %w", s.cfg.PortPath, err)
	}
	ch.OnError(s.channelError)

	poller := obd.NewPoller(ch, nil)
	poller.SetTimeout(s.cfg.commandTimeout())

	s.mu.Lock()
	s.ch = ch
	s.poller = poller
	s.latest = make(map[uint16]obd.Reading)
	s.mu.Unlock()
	s.errors.Store(0)
	s.connected.Store(true)

	for _, sub := range s.subs {
		pid, err := obd.ParsePID(sub.PID)
		if err != nil {
			log.Warn().Str("component", "ecu").Err(err).Msg("skipping subscription")
			continue
		}
		period := time.Duration(sub.PeriodMs) * time.Millisecond
		if period <= 0 {
			period = time.Second
		}
		if err := poller.Subscribe(pid, s.record, period); err != nil {
			log.Warn().Str("component", "ecu").Err(err).Msg("skipping subscription")
		}
	}

	log.Info().Str("component", "ecu").Str("banner", ch.Banner()).Int("pids", len(poller.Subscribed())).Msg("connected")
	return nil
}

func (s *STN1110) record(r obd.Reading, err error) {
	if err != nil {
		if errors.Is(err, elm.ErrClosed) {
			return
		}
		s.errors.Inc()
		log.Debug().Str("component", "ecu").Str("pid", fmt.Sprintf("%04X", r.PID)).Err(err).Msg("poll failed")
		return
	}
	s.mu.Lock()
	s.latest[r.PID] = r
	s.mu.Unlock()
}

func (s *STN1110) channelError(err error) {
	var te *elm.TransportError
	if errors.As(err, &te) && te.Op == "read" {
		log.Error().Str("component", "ecu").Err(err).Msg("adapter lost")
		s.connected.Store(false)
		return
	}
	log.Debug().Str("component", "ecu").Err(err).Msg("adapter protocol error")
}

func (s *STN1110) Close() error {
	s.mu.Lock()
	ch, poller := s.ch, s.poller
	s.ch, s.poller = nil, nil
	s.mu.Unlock()

	s.connected.Store(false)
	if poller != nil {
		poller.Close()
	}
	if ch != nil {
		return ch.Close()
	}
	return nil
}

func (s *STN1110) IsConnected() bool { return s.connected.Load() }

func (s *STN1110) Snapshot() *DataFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := &DataFrame{
		Adapter:   s.Name(),
		Connected: s.connected.Load(),
		Readings:  make([]obd.Reading, 0, len(s.latest)),
		Errors:    s.errors.Load(),
	}
	if s.ch != nil {
		f.Banner = s.ch.Banner()
		f.Stats = s.ch.Stats()
	}
	for _, r := range s.latest {
		f.Readings = append(f.Readings, r)
	}
	sort.Slice(f.Readings, func(i, j int) bool { return f.Readings[i].PID < f.Readings[j].PID })
	return f
}
