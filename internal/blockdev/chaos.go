package blockdev

import (
	"errors"
	"math/rand"
	"sync"
)

// ErrInjected is the error returned by injected faults. Wrapped errors
// carry the operation name.
var ErrInjected = errors.New("blockdev: injected fault")

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables all fault injection.
type ChaosConfig struct {
	// ReadFailRate controls how often ReadAt fails.
	ReadFailRate float64

	// ShortReadRate controls how often ReadAt fills only a prefix of
	// the buffer before failing. The filled prefix is real data; the
	// call still returns an error. Exercises short-read handling in
	// the self-update loop and the copy engine.
	ShortReadRate float64

	// ProgramFailRate controls how often Program fails. The device
	// may have written a prefix before the failure, which is the
	// post-partial-write state callers must tolerate.
	ProgramFailRate float64

	// EraseFailRate controls how often EraseRange fails before
	// touching the device.
	EraseFailRate float64

	// Seed makes injection deterministic. Zero seeds from a fixed
	// default so failures reproduce across runs.
	Seed int64
}

// Chaos wraps a Device and injects failures at the configured rates.
type Chaos struct {
	dev Device
	cfg ChaosConfig

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Device = (*Chaos)(nil)

// NewChaos wraps dev with fault injection.
func NewChaos(dev Device, cfg ChaosConfig) *Chaos {
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}

	return &Chaos{
		dev: dev,
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)), //nolint:gosec
	}
}

func (c *Chaos) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64() < rate
}

func (c *Chaos) fault(op string) error {
	return errors.Join(ErrInjected, errors.New("blockdev: "+op))
}

func (c *Chaos) Geometry() Geometry { return c.dev.Geometry() }

func (c *Chaos) ReadAt(off uint32, buf []byte) error {
	if c.roll(c.cfg.ReadFailRate) {
		return c.fault("read")
	}

	if len(buf) > 1 && c.roll(c.cfg.ShortReadRate) {
		c.mu.Lock()
		n := 1 + c.rng.Intn(len(buf)-1)
		c.mu.Unlock()

		_ = c.dev.ReadAt(off, buf[:n])

		return c.fault("short read")
	}

	return c.dev.ReadAt(off, buf)
}

func (c *Chaos) EraseRange(off, length uint32) error {
	if c.roll(c.cfg.EraseFailRate) {
		return c.fault("erase")
	}

	return c.dev.EraseRange(off, length)
}

func (c *Chaos) Program(off uint32, data []byte) error {
	if c.roll(c.cfg.ProgramFailRate) {
		// Write a prefix first so the failure leaves the device in
		// the partially-programmed state real failures do.
		if len(data) > 1 {
			c.mu.Lock()
			n := c.rng.Intn(len(data))
			c.mu.Unlock()

			_ = c.dev.Program(off, data[:n])
		}

		return c.fault("program")
	}

	return c.dev.Program(off, data)
}

func (c *Chaos) Sync() error { return c.dev.Sync() }

func (c *Chaos) Close() error { return c.dev.Close() }
