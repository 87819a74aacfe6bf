// Package arbiter coordinates access to the shared external memory bus
// through a two-wire request/grant hand-shake with the co-processor.
//
// The request line is active-low and the grant line active-high by
// default; both polarities are configurable per board. Acquisitions
// nest: only the first assertion touches the wire, and the line drops
// when the depth counter returns to zero. This is a single-master
// client — nesting is safe within one task, not across tasks.
package arbiter

import (
	"errors"
	"time"

	"github.com/calvinalkan/boardcore/internal/hw"
)

// ErrTimeout is returned when the grant line does not assert within
// the acquisition timeout.
var ErrTimeout = errors.New("arbiter: grant timeout")

// Config wires a client to its two pins.
type Config struct {
	ReqPin   uint8
	GrantPin uint8

	// ReqActiveLow inverts the request line (default assertion is
	// electrical low).
	ReqActiveLow bool

	// GrantActiveHigh sets the grant line's asserted level.
	GrantActiveHigh bool
}

// DefaultConfig matches the board wiring: active-low request,
// active-high grant.
func DefaultConfig(reqPin, grantPin uint8) Config {
	return Config{ReqPin: reqPin, GrantPin: grantPin, ReqActiveLow: true, GrantActiveHigh: true}
}

// Client is the host side of the hand-shake.
type Client struct {
	pins  hw.Pins
	clock hw.Clock
	cfg   Config
	depth uint16
}

// NewClient configures the pins (request as deasserted output, grant
// as pulled-up input) and returns a client with depth zero.
func NewClient(pins hw.Pins, clock hw.Clock, cfg Config) *Client {
	c := &Client{pins: pins, clock: clock, cfg: cfg}

	c.pins.SetMode(cfg.ReqPin, hw.ModeOutput)
	c.setReq(false)
	c.pins.SetMode(cfg.GrantPin, hw.ModeInputPullup)

	return c
}

func (c *Client) setReq(asserted bool) {
	// Active-low: asserted drives the line low.
	c.pins.Write(c.cfg.ReqPin, asserted != c.cfg.ReqActiveLow)
}

// Granted samples the grant line.
func (c *Client) Granted() bool {
	v := c.pins.Read(c.cfg.GrantPin)
	if c.cfg.GrantActiveHigh {
		return v
	}

	return !v
}

// Depth reports the current nesting level.
func (c *Client) Depth() int { return int(c.depth) }

// Acquire asserts the request line and waits for grant, yielding while
// it polls. Nested acquisitions return immediately: the line is
// already asserted. On timeout the request is deasserted, the depth
// resets to zero and ErrTimeout is returned.
//
// A timeout of zero waits forever.
func (c *Client) Acquire(timeout time.Duration) error {
	c.depth++
	if c.depth > 1 {
		return nil
	}

	c.setReq(true)

	start := c.clock.Now()

	for !c.Granted() {
		if timeout > 0 && c.clock.Now()-start > timeout {
			c.setReq(false)
			c.depth = 0

			return ErrTimeout
		}

		c.clock.Yield()
	}

	return nil
}

// Release unwinds one acquisition, deasserting the request line when
// the depth reaches zero. Extra releases are no-ops.
func (c *Client) Release() {
	if c.depth == 0 {
		return
	}

	c.depth--
	if c.depth == 0 {
		c.setReq(false)
	}
}

// With runs fn while holding the bus, releasing on every exit path.
func (c *Client) With(timeout time.Duration, fn func() error) error {
	if err := c.Acquire(timeout); err != nil {
		return err
	}
	defer c.Release()

	return fn()
}

// Granter is the co-processor side: it watches the request line and
// answers on the grant line. Service is stepped from a clock's yield
// hook: the host rig and the tests wire it that way. The coproc binary
// does not run a Granter.
type Granter struct {
	pins hw.Pins
	cfg  Config

	// Hold, when true, withholds the grant; tests use it to provoke
	// client timeouts.
	Hold bool
}

// NewGranter configures the grant pin as a deasserted output.
func NewGranter(pins hw.Pins, cfg Config) *Granter {
	g := &Granter{pins: pins, cfg: cfg}

	g.pins.SetMode(cfg.GrantPin, hw.ModeOutput)
	g.setGrant(false)
	g.pins.SetMode(cfg.ReqPin, hw.ModeInputPullup)

	return g
}

func (g *Granter) setGrant(asserted bool) {
	g.pins.Write(g.cfg.GrantPin, asserted == g.cfg.GrantActiveHigh)
}

func (g *Granter) reqAsserted() bool {
	v := g.pins.Read(g.cfg.ReqPin)
	if g.cfg.ReqActiveLow {
		return !v
	}

	return v
}

// Service mirrors the request line onto the grant line once.
func (g *Granter) Service() {
	g.setGrant(g.reqAsserted() && !g.Hold)
}
