package elm

import "bytes"

// DefaultMaxBuffer is the receive buffer limit used when none is configured.
const DefaultMaxBuffer = 4096

// promptMarker ends every reply: two carriage returns and the command prompt.
var promptMarker = []byte{'\r', '\r', '>'}

// Framer splits the adapter's byte stream into reply packets.
// It knows nothing about commands; it only looks for the prompt marker.
type Framer struct {
	buf []byte
	max int
}

// NewFramer creates a Framer that sheds its buffer once it holds more than
// max bytes. A max of zero or less selects DefaultMaxBuffer.
func NewFramer(max int) *Framer {
	if max <= 0 {
		max = DefaultMaxBuffer
	}
	return &Framer{max: max}
}

// Feed appends p and returns every complete packet now in the buffer, in
// arrival order, with the marker stripped. Trailing partial data stays
// buffered for the next call.
//
// When the retained data exceeds the limit the buffer is emptied and
// ErrOverrun is returned alongside the packets already extracted.
func (f *Framer) Feed(p []byte) ([][]byte, error) {
	f.buf = append(f.buf, p...)

	var packets [][]byte
	for {
		i := bytes.Index(f.buf, promptMarker)
		if i < 0 {
			break
		}
		pkt := make([]byte, i)
		copy(pkt, f.buf[:i])
		packets = append(packets, pkt)
		f.buf = f.buf[i+len(promptMarker):]
	}

	if len(f.buf) > f.max {
		f.Reset()
		return packets, ErrOverrun
	}

	// Compact so a long run of small packets doesn't pin the old backing array.
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return packets, nil
}

// Buffered returns the number of bytes held waiting for a marker.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset discards any buffered data.
func (f *Framer) Reset() { f.buf = nil }
