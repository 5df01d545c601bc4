package receiver

import (
	"fmt"

	"camfeed/wire"
)

// State is the framing state of a connection.
type State int

const (
	AwaitingLength State = iota
	AwaitingPayload
)

func (s State) String() string {
	switch s {
	case AwaitingLength:
		return "awaiting_length"
	case AwaitingPayload:
		return "awaiting_payload"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Assembler reassembles envelopes from arbitrarily split reads. Bytes that
// belong to the next envelope stay buffered across calls to Next.
type Assembler struct {
	// MaxPayload bounds the declared length; zero means wire.MaxPayloadSize.
	MaxPayload uint64

	buf   []byte
	state State
	want  uint64
}

// Write appends bytes read from the connection.
func (a *Assembler) Write(p []byte) {
	a.buf = append(a.buf, p...)
}

// Next returns the next complete payload, if one has been accumulated. The
// returned slice is owned by the caller. An error means the stream is
// corrupt and cannot be resynchronized.
func (a *Assembler) Next() ([]byte, bool, error) {
	if a.state == AwaitingLength {
		if len(a.buf) < wire.PrefixSize {
			return nil, false, nil
		}
		var prefix [wire.PrefixSize]byte
		copy(prefix[:], a.buf)
		n := wire.DecodeLength(prefix)
		if n > a.maxPayload() {
			return nil, false, fmt.Errorf("%w: %d bytes", wire.ErrPayloadTooLarge, n)
		}
		a.consume(wire.PrefixSize)
		a.want = n
		a.state = AwaitingPayload
	}

	if uint64(len(a.buf)) < a.want {
		return nil, false, nil
	}
	payload := make([]byte, a.want)
	copy(payload, a.buf)
	a.consume(int(a.want))
	a.want = 0
	a.state = AwaitingLength
	return payload, true, nil
}

func (a *Assembler) State() State {
	return a.state
}

// Buffered returns the number of bytes held but not yet returned.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

func (a *Assembler) consume(n int) {
	// Shift the remainder down so the backing array is reused instead of
	// growing with every envelope.
	a.buf = append(a.buf[:0], a.buf[n:]...)
}

func (a *Assembler) maxPayload() uint64 {
	if a.MaxPayload == 0 {
		return wire.MaxPayloadSize
	}
	return a.MaxPayload
}
