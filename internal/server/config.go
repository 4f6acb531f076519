package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obd-dash/internal/ecu"
)

// DefaultConfigPath is where LoadConfig looks when no path is given.
const DefaultConfigPath = "/etc/obd-dash/config.yaml"

// Config holds all obd-dash configuration.
type Config struct {
	mu sync.RWMutex

	// Adapter connection
	Adapter ecu.AdapterConfig `yaml:"adapter" json:"adapter"`

	// PIDs polled while running
	PIDs []ecu.Subscription `yaml:"pids" json:"pids"`

	// Telemetry stream
	Stream StreamConfig `yaml:"stream" json:"stream"`

	// Logging
	Log LogConfig `yaml:"log" json:"log"`

	path string // file path for save/load
}

type StreamConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	Encoding    string `yaml:"encoding" json:"encoding"` // "json" or "cbor"
	BroadcastHz int    `yaml:"broadcast_hz" json:"broadcastHz"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // trace, debug, info, warn, error
	Format string `yaml:"format" json:"format"` // "auto", "console" or "json"
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Adapter: ecu.AdapterConfig{
			Type:               "demo",
			PortPath:           "/dev/ttyUSB0",
			BaudRate:           115200,
			ReadTimeoutMs:      100,
			HandshakeTimeoutMs: 5000,
			CommandTimeoutMs:   1000,
			MaxBuffer:          4096,
		},
		PIDs: []ecu.Subscription{
			{PID: "rpm", PeriodMs: 100},
			{PID: "speed", PeriodMs: 200},
			{PID: "throttle", PeriodMs: 100},
			{PID: "coolant_temp", PeriodMs: 2000},
			{PID: "intake_temp", PeriodMs: 2000},
			{PID: "module_voltage", PeriodMs: 5000},
		},
		Stream: StreamConfig{
			ListenAddr:  ":8080",
			Encoding:    "json",
			BroadcastHz: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("component", "config").Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Str("component", "config").Str("path", path).Err(err).Msg("parse failed, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("component", "config").Str("path", path).Msg("loaded")
	}

	// .env next to the config, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Path returns the file Save writes to.
func (c *Config) Path() string { return c.path }

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debug().Str("component", "config").Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: OBD_ADAPTER, OBD_PORT, OBD_BAUD, OBD_PIDS, LISTEN_ADDR,
// STREAM_ENCODING, LOG_LEVEL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OBD_ADAPTER"); v != "" {
		c.Adapter.Type = v
	}
	if v := os.Getenv("OBD_PORT"); v != "" {
		c.Adapter.PortPath = v
	}
	if v := os.Getenv("OBD_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Adapter.BaudRate = n
		}
	}
	// OBD_PIDS=rpm:100,speed:200,0105:2000
	if v := os.Getenv("OBD_PIDS"); v != "" {
		if subs, err := ParseSubscriptions(v); err == nil {
			c.PIDs = subs
		} else {
			log.Warn().Str("component", "config").Err(err).Msg("ignoring OBD_PIDS")
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Stream.ListenAddr = v
	}
	if v := os.Getenv("STREAM_ENCODING"); v != "" {
		c.Stream.Encoding = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// ParseSubscriptions parses "pid[:period_ms],..." where a missing period
// means one second.
func ParseSubscriptions(s string) ([]ecu.Subscription, error) {
	var subs []ecu.Subscription
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		pid, period, hasPeriod := strings.Cut(item, ":")
		sub := ecu.Subscription{PID: pid, PeriodMs: 1000}
		if hasPeriod {
			n, err := strconv.Atoi(period)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("config: bad period in %q", item)
			}
			sub.PeriodMs = n
		}
		subs = append(subs, sub)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("config: no PIDs in %q", s)
	}
	return subs, nil
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	switch c.Adapter.Type {
	case "stn1110", "elm327", "demo":
	default:
		return fmt.Errorf("config: adapter.type %q must be stn1110, elm327 or demo", c.Adapter.Type)
	}
	if c.Adapter.Type != "demo" && c.Adapter.PortPath == "" {
		return fmt.Errorf("config: adapter.port_path is required")
	}
	switch c.Stream.Encoding {
	case "json", "cbor":
	default:
		return fmt.Errorf("config: stream.encoding %q must be json or cbor", c.Stream.Encoding)
	}
	for _, sub := range c.PIDs {
		if sub.PeriodMs <= 0 {
			return fmt.Errorf("config: pid %s: period_ms must be positive", sub.PID)
		}
	}
	return nil
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that leaves the config invalid is
// rejected and nothing changes.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var next Config
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps are merged; any
// other value, lists included, replaces what was there.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
