package rxbin

import (
	"errors"
	"io"
)

// Port is an in-memory [Conn]. The surrounding loop feeds it whatever
// bytes arrived from the real transport; responses go to Out.
//
// This is the host-side stand-in for a serial port's buffered RX
// queue: Pump consumes only what Feed has supplied, so the receiver
// stays non-blocking regardless of where the bytes come from.
type Port struct {
	in  []byte
	pos int
	out io.Writer
}

var _ Conn = (*Port)(nil)

// NewPort creates a Port whose responses are written to out.
func NewPort(out io.Writer) *Port {
	return &Port{out: out}
}

// Feed appends received bytes to the input queue.
func (p *Port) Feed(data []byte) {
	// Compact the consumed prefix before growing.
	if p.pos > 0 {
		p.in = p.in[p.pos:]
		p.pos = 0
	}

	p.in = append(p.in, data...)
}

func (p *Port) Available() int { return len(p.in) - p.pos }

func (p *Port) ReadByte() (byte, error) {
	if p.pos >= len(p.in) {
		return 0, errors.New("rxbin: port empty")
	}

	b := p.in[p.pos]
	p.pos++

	return b, nil
}

func (p *Port) Write(data []byte) (int, error) {
	if p.out == nil {
		return len(data), nil
	}

	return p.out.Write(data)
}
