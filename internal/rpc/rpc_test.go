package rpc_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/boardcore/internal/hw"
	"github.com/calvinalkan/boardcore/internal/rpc"
)

func newTable(t *testing.T) (*rpc.Table, *hw.SimPins) {
	t.Helper()

	pins := hw.NewSimPins()

	return rpc.NewTable(pins, hw.NewSimClock(time.Millisecond)), pins
}

func TestDigitalWriteSetsPin(t *testing.T) {
	t.Parallel()

	table, pins := newTable(t)

	ret, ok := table.Dispatch("digitalWrite", []int32{7, 1})
	require.True(t, ok)
	require.Zero(t, ret)
	require.True(t, pins.Read(7))

	ret, ok = table.Dispatch("digitalWrite", []int32{7, 0})
	require.True(t, ok)
	require.Zero(t, ret)
	require.False(t, pins.Read(7))
}

func TestArityChecks(t *testing.T) {
	t.Parallel()

	// argc below the handler's arity returns -22.
	table, _ := newTable(t)

	for _, tt := range []struct {
		name string
		argv []int32
	}{
		{name: "digitalRead", argv: nil},
		{name: "digitalWrite", argv: []int32{7}},
		{name: "pinMode", argv: []int32{7}},
		{name: "analogRead", argv: nil},
		{name: "delay", argv: nil},
	} {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ret, ok := table.Dispatch(tt.name, tt.argv)
			require.True(t, ok)
			require.EqualValues(t, rpc.RetInvalidArgument, ret)
		})
	}
}

func TestDigitalReadReflectsLevel(t *testing.T) {
	t.Parallel()

	table, pins := newTable(t)
	pins.Write(3, true)

	ret, ok := table.Dispatch("digitalRead", []int32{3})
	require.True(t, ok)
	require.EqualValues(t, 1, ret)
}

func TestAnalogRead(t *testing.T) {
	t.Parallel()

	table, pins := newTable(t)
	pins.SetAnalog(4, 1023)

	ret, ok := table.Dispatch("analogRead", []int32{4})
	require.True(t, ok)
	require.EqualValues(t, 1023, ret)
}

func TestUnknownName(t *testing.T) {
	t.Parallel()

	table, _ := newTable(t)

	_, ok := table.Dispatch("reboot", nil)
	require.False(t, ok)
}

func TestRegister(t *testing.T) {
	t.Parallel()

	table, _ := newTable(t)
	table.Register("ping", func([]int32) int32 { return 42 })

	ret, ok := table.Dispatch("ping", nil)
	require.True(t, ok)
	require.EqualValues(t, 42, ret)
	require.Contains(t, table.Names(), "ping")
}

func TestServeLine(t *testing.T) {
	t.Parallel()

	table, pins := newTable(t)

	for _, tt := range []struct {
		line string
		want string
	}{
		{line: "digitalWrite 7 1", want: "RET 0"},
		{line: "digitalRead 7", want: "RET 1"},
		{line: "digitalWrite 7", want: "RET -22"},
		{line: "nosuchfunc 1", want: "ERR unknown-func"},
		{line: "digitalWrite 7 x", want: "ERR bad-arg"},
		{line: "", want: ""},
		{line: "   ", want: ""},
	} {
		require.Equal(t, tt.want, table.ServeLine(tt.line), "line %q", tt.line)
	}

	require.True(t, pins.Read(7))
}

func TestServeStream(t *testing.T) {
	t.Parallel()

	table, _ := newTable(t)

	in := strings.NewReader("digitalWrite 2 1\ndigitalRead 2\nbogus\n")

	var out bytes.Buffer

	require.NoError(t, table.Serve(in, &out))
	require.Equal(t, "RET 0\nRET 1\nERR unknown-func\n", out.String())
}
