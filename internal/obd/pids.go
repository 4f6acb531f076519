package obd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Transform converts a PID's payload bytes into a physical value.
type Transform func(data []byte) float64

// PID describes one mode/PID pair and how to scale its payload.
type PID struct {
	Code    uint16    `json:"pid"`
	Name    string    `json:"name"`
	Unit    string    `json:"unit"`
	Bytes   int       `json:"bytes"`   // payload bytes the transform needs
	Convert Transform `json:"-"`
}

func (p PID) String() string { return fmt.Sprintf("%04X %s", p.Code, p.Name) }

func a(d []byte) float64  { return float64(d[0]) }
func ab(d []byte) float64 { return float64(d[0])*256 + float64(d[1]) }

// Mode 01 PIDs, scaled per SAE J1979.
var table = map[uint16]PID{
	0x0104: {0x0104, "engine_load", "%", 1, func(d []byte) float64 { return a(d) * 100 / 255 }},
	0x0105: {0x0105, "coolant_temp", "°C", 1, func(d []byte) float64 { return a(d) - 40 }},
	0x0106: {0x0106, "short_fuel_trim_1", "%", 1, func(d []byte) float64 { return a(d)*100/128 - 100 }},
	0x0107: {0x0107, "long_fuel_trim_1", "%", 1, func(d []byte) float64 { return a(d)*100/128 - 100 }},
	0x010A: {0x010A, "fuel_pressure", "kPa", 1, func(d []byte) float64 { return a(d) * 3 }},
	0x010B: {0x010B, "intake_map", "kPa", 1, a},
	0x010C: {0x010C, "rpm", "rpm", 2, func(d []byte) float64 { return ab(d) / 4 }},
	0x010D: {0x010D, "speed", "km/h", 1, a},
	0x010E: {0x010E, "timing_advance", "°", 1, func(d []byte) float64 { return a(d)/2 - 64 }},
	0x010F: {0x010F, "intake_temp", "°C", 1, func(d []byte) float64 { return a(d) - 40 }},
	0x0110: {0x0110, "maf", "g/s", 2, func(d []byte) float64 { return ab(d) / 100 }},
	0x0111: {0x0111, "throttle", "%", 1, func(d []byte) float64 { return a(d) * 100 / 255 }},
	0x011F: {0x011F, "run_time", "s", 2, ab},
	0x0121: {0x0121, "distance_with_mil", "km", 2, ab},
	0x012F: {0x012F, "fuel_level", "%", 1, func(d []byte) float64 { return a(d) * 100 / 255 }},
	0x0133: {0x0133, "baro", "kPa", 1, a},
	0x0142: {0x0142, "module_voltage", "V", 2, func(d []byte) float64 { return ab(d) / 1000 }},
	0x0146: {0x0146, "ambient_temp", "°C", 1, func(d []byte) float64 { return a(d) - 40 }},
	0x015C: {0x015C, "oil_temp", "°C", 1, func(d []byte) float64 { return a(d) - 40 }},
	0x015E: {0x015E, "fuel_rate", "L/h", 2, func(d []byte) float64 { return ab(d) / 20 }},
}

// Lookup returns the table entry for pid.
func Lookup(pid uint16) (PID, bool) {
	p, ok := table[pid]
	return p, ok
}

// ByName finds a table entry by its short name.
func ByName(name string) (PID, bool) {
	for _, p := range table {
		if p.Name == name {
			return p, true
		}
	}
	return PID{}, false
}

// All returns every known PID ordered by code.
func All() []PID {
	out := make([]PID, 0, len(table))
	for _, p := range table {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ParsePID accepts a table name ("rpm") or a hex code ("010C", "0x010C").
func ParsePID(s string) (int, error) {
	s = strings.TrimSpace(s)
	if p, ok := ByName(strings.ToLower(s)); ok {
		return int(p.Code), nil
	}
	hex := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(hex, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("obd: %q is not a PID name or 16-bit hex code", s)
	}
	return int(v), nil
}
