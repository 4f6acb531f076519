package ecu

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obd-dash/internal/elm"
	"github.com/shaunagostinho/obd-dash/internal/obd"
)

func readAll(t *testing.T, d *DemoDevice) string {
	t.Helper()
	var out strings.Builder
	buf := make([]byte, 64)
	for {
		n, err := d.Read(buf)
		require.NoError(t, err)
		if n == 0 {
			return out.String()
		}
		out.Write(buf[:n])
	}
}

func TestDemoDeviceCommands(t *testing.T) {
	d := NewDemoDevice()
	defer d.Close()

	tests := []struct {
		cmd  string
		want string
	}{
		{"ATZ\r", "ATZ\r\r\r" + demoBanner + "\r\r>"},
		{"ATE0\r", "ATE0\rOK\r\r>"},
		{"ATSP0\r", "OK\r\r>"},
		{"0105\r", "41 05 "},
		{"0902\r", "NO DATA\r\r>"},
		{"XYZ\r", "?\r\r>"},
		{"STI\r", demoSTNBanner + "\r\r>"},
	}
	for _, tt := range tests {
		_, err := d.Write([]byte(tt.cmd))
		require.NoError(t, err)
		got := readAll(t, d)
		assert.True(t, strings.HasPrefix(got, tt.want), "%q -> %q, want prefix %q", tt.cmd, got, tt.want)
	}
}

func TestDemoDeviceClosed(t *testing.T) {
	d := NewDemoDevice()
	d.Close()
	_, err := d.Read(make([]byte, 8))
	assert.Error(t, err, "Read after Close")
	_, err = d.Write([]byte("ATZ\r"))
	assert.Error(t, err, "Write after Close")
}

func TestDemoDeviceFlush(t *testing.T) {
	d := NewDemoDevice()
	defer d.Close()

	_, err := d.Write([]byte("0105\r01"))
	require.NoError(t, err)
	require.NoError(t, d.Flush())
	assert.Empty(t, readAll(t, d), "output left after Flush")

	// The partial "01" is gone too, so this is a plain reset.
	_, err = d.Write([]byte("ATZ\r"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(readAll(t, d), "ATZ\r"))
}

func TestDemoEncodeMatchesTable(t *testing.T) {
	s := engineState{rpm: 3000, speed: 88, tps: 40, mapKPa: 58, advance: 21,
		coolant: 90, iat: 35, oil: 96, maf: 15.5, voltage: 14.1, runtime: 120}
	tests := []struct {
		pid  uint16
		want float64
		tol  float64
	}{
		{0x010C, 3000, 0.25},
		{0x010D, 88, 0.5},
		{0x0105, 90, 0.5},
		{0x010E, 21, 0.5},
		{0x0142, 14.1, 0.001},
		{0x0110, 15.5, 0.01},
		{0x0111, 40, 0.5},
	}
	for _, tt := range tests {
		data, ok := s.encode(tt.pid)
		if !assert.True(t, ok, "encode(%04X) not supported", tt.pid) {
			continue
		}
		def, _ := obd.Lookup(tt.pid)
		assert.InDelta(t, tt.want, def.Convert(data), tt.tol, "round trip %04X", tt.pid)
	}
}

func TestDialDemoAndReadPID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Dial(ctx, AdapterConfig{Type: "demo"})
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, demoBanner, ch.Banner())

	p := obd.NewPoller(ch, nil)
	type result struct {
		r   obd.Reading
		err error
	}
	res := make(chan result, 2)
	p.ReadOnce(0x0105, func(r obd.Reading, err error) { res <- result{r, err} })
	p.ReadOnce(0x0902, func(r obd.Reading, err error) { res <- result{r, err} })

	first := <-res
	require.NoError(t, first.err, "0105")
	assert.GreaterOrEqual(t, first.r.Value, 85.0)
	assert.LessOrEqual(t, first.r.Value, 90.0)

	second := <-res
	var ae *obd.AdapterError
	require.ErrorAs(t, second.err, &ae)
	assert.Equal(t, "NO DATA", ae.Message)
}

func TestSilentDemoTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dev := NewDemoDevice()
	ch, err := elm.Open(ctx, dev, elm.Config{})
	require.NoError(t, err)
	defer ch.Close()

	dev.SetSilent(true)
	done := make(chan error, 1)
	ch.Execute("010C", 100*time.Millisecond, func(_ []byte, err error) { done <- err })

	select {
	case err := <-done:
		assert.ErrorIs(t, err, elm.ErrTimeout)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "handler never ran")
	}
	assert.Equal(t, uint64(1), ch.Stats().Timeouts)
}
