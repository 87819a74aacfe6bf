// Package rpc is the co-processor's name-based dispatch table: a flat
// list of (name, handler) pairs resolved by exact string comparison.
//
// Handlers take 32-bit signed arguments and return a 32-bit signed
// result; negative values encode errors (-22 for a missing argument,
// after EINVAL). The table is a minimal trampoline over primitive pin
// and timing operations — no arity metadata, no allocation in
// handlers.
package rpc

import (
	"time"

	"github.com/calvinalkan/boardcore/internal/hw"
)

// RetInvalidArgument is returned by handlers called with too few
// arguments.
const RetInvalidArgument = -22

// Handler is one registered primitive.
type Handler func(argv []int32) int32

// Entry pairs a printable name with its handler.
type Entry struct {
	Name string
	Fn   Handler
}

// Table resolves names to handlers.
type Table struct {
	entries []Entry
}

// NewTable builds the default primitive table over the given pins and
// clock.
func NewTable(pins hw.Pins, clock hw.Clock) *Table {
	return &Table{entries: []Entry{
		{Name: "digitalRead", Fn: func(a []int32) int32 {
			if len(a) < 1 {
				return RetInvalidArgument
			}

			if pins.Read(uint8(a[0])) {
				return 1
			}

			return 0
		}},
		{Name: "digitalWrite", Fn: func(a []int32) int32 {
			if len(a) < 2 {
				return RetInvalidArgument
			}

			pins.Write(uint8(a[0]), a[1] != 0)

			return 0
		}},
		{Name: "pinMode", Fn: func(a []int32) int32 {
			if len(a) < 2 {
				return RetInvalidArgument
			}

			pins.SetMode(uint8(a[0]), hw.PinMode(a[1]))

			return 0
		}},
		{Name: "analogRead", Fn: func(a []int32) int32 {
			if len(a) < 1 {
				return RetInvalidArgument
			}

			return pins.ReadAnalog(uint8(a[0]))
		}},
		{Name: "delay", Fn: func(a []int32) int32 {
			if len(a) < 1 {
				return RetInvalidArgument
			}

			clock.Sleep(time.Duration(a[0]) * time.Millisecond)

			return 0
		}},
	}}
}

// Register appends an entry. Later entries never shadow earlier ones;
// Dispatch takes the first match.
func (t *Table) Register(name string, fn Handler) {
	t.entries = append(t.entries, Entry{Name: name, Fn: fn})
}

// Names lists the registered names in table order.
func (t *Table) Names() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Name
	}

	return out
}

// Dispatch resolves name and invokes its handler. The second result
// is false when no entry matches.
func (t *Table) Dispatch(name string, argv []int32) (int32, bool) {
	for _, e := range t.entries {
		if e.Name == name {
			return e.Fn(argv), true
		}
	}

	return 0, false
}
