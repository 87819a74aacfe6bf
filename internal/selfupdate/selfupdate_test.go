package selfupdate_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/boardcore/internal/backfs"
	"github.com/calvinalkan/boardcore/internal/blockdev"
	"github.com/calvinalkan/boardcore/internal/hw"
	"github.com/calvinalkan/boardcore/internal/selfupdate"
)

const flashSize = 64 * 1024

type board struct {
	flash *hw.SimFlash
	irq   *hw.SimInterrupts
	wdog  *hw.SimWatchdog
	upd   *selfupdate.Updater
}

func newBoard(t *testing.T) *board {
	t.Helper()

	b := &board{
		flash: hw.NewSimFlash(flashSize),
		irq:   &hw.SimInterrupts{},
		wdog:  &hw.SimWatchdog{},
	}

	// The sim flash refuses erase/program outside the critical
	// section, so a missing Disable fails the test loudly.
	b.flash.IRQ = b.irq
	b.upd = selfupdate.New(b.flash, b.irq, b.wdog, hw.NewSimClock(time.Millisecond))

	return b
}

func newFiles(t *testing.T, name string, data []byte) *backfs.Volume {
	t.Helper()

	dev, err := blockdev.NewMem(blockdev.Geometry{Size: 256 * 1024, EraseAlign: 1, ProgramAlign: 1})
	require.NoError(t, err)

	vol, err := backfs.New(backfs.Psram, dev)
	require.NoError(t, err)
	require.NoError(t, vol.Mount(false))

	if data != nil {
		require.NoError(t, vol.Create(name, 0, data))
	}

	return vol
}

func TestUpdatePadsFinalSector(t *testing.T) {
	t.Parallel()

	// 5000 bytes: two sectors, bytes 5000..8191 padded with 0xFF.
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}

	b := newBoard(t)
	files := newFiles(t, "fw.bin", data)

	require.NoError(t, b.upd.Run(files, "fw.bin", 0, true))

	require.Equal(t, 2, b.flash.Erases)
	require.Equal(t, data, b.flash.Bytes(0, 5000))

	pad := b.flash.Bytes(5000, 8192-5000)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, len(pad)), pad)

	require.Equal(t, 1, b.wdog.Fired())
}

func TestUpdateExactSectorMultiple(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0x5A}, 2*hw.FlashSectorSize)

	b := newBoard(t)
	files := newFiles(t, "fw.bin", data)

	require.NoError(t, b.upd.Run(files, "fw.bin", 0, false))

	require.Equal(t, 2, b.flash.Erases)
	require.Equal(t, 32, b.flash.Programs)
	require.Equal(t, data, b.flash.Bytes(0, uint32(len(data))))
	require.Zero(t, b.wdog.Fired(), "rebootAfter=false must not fire the watchdog")
}

func TestUpdateAtOffset(t *testing.T) {
	t.Parallel()

	data := []byte("relocated firmware")

	b := newBoard(t)
	files := newFiles(t, "fw.bin", data)

	require.NoError(t, b.upd.Run(files, "fw.bin", 0x2000, false))
	require.Equal(t, data, b.flash.Bytes(0x2000, uint32(len(data))))
}

func TestUpdateRejectsEmptyFile(t *testing.T) {
	t.Parallel()

	b := newBoard(t)
	files := newFiles(t, "fw.bin", []byte{})

	require.ErrorIs(t, b.upd.Run(files, "fw.bin", 0, false), selfupdate.ErrEmptyFile)
	require.Zero(t, b.flash.Erases)
}

func TestUpdateRejectsMissingFile(t *testing.T) {
	t.Parallel()

	b := newBoard(t)
	files := newFiles(t, "other", []byte("x"))

	require.ErrorIs(t, b.upd.Run(files, "fw.bin", 0, false), backfs.ErrNotFound)
	require.Zero(t, b.flash.Erases)
}

func TestUpdateRejectsOversize(t *testing.T) {
	t.Parallel()

	b := newBoard(t)
	files := newFiles(t, "fw.bin", bytes.Repeat([]byte{1}, flashSize+1))

	require.ErrorIs(t, b.upd.Run(files, "fw.bin", 0, false), selfupdate.ErrTooBig)
	require.Zero(t, b.flash.Erases)
}

func TestUpdateRejectsOversizeAtOffset(t *testing.T) {
	t.Parallel()

	// Fits at 0 but not at the offset.
	b := newBoard(t)
	files := newFiles(t, "fw.bin", bytes.Repeat([]byte{1}, flashSize-0x1000+1))

	require.ErrorIs(t, b.upd.Run(files, "fw.bin", 0x1000, false), selfupdate.ErrTooBig)
}

func TestUpdateShortReadAbortsBeforeNextErase(t *testing.T) {
	t.Parallel()

	// A device that fails mid-file: the loop stops before erasing
	// the sector it could not fill.
	data := bytes.Repeat([]byte{7}, 3*hw.FlashSectorSize)

	dev, err := blockdev.NewMem(blockdev.Geometry{Size: 256 * 1024, EraseAlign: 1, ProgramAlign: 1})
	require.NoError(t, err)

	vol, err := backfs.New(backfs.Psram, dev)
	require.NoError(t, err)
	require.NoError(t, vol.Mount(false))
	require.NoError(t, vol.Create("fw.bin", 0, data))

	// Shrink the declared size after creation so the second sector
	// read comes up short.
	require.NoError(t, vol.FinalizeSize("fw.bin", hw.FlashSectorSize+100))

	b := newBoard(t)

	err = b.upd.Run(shortSizeReader{vol: vol, claim: uint32(len(data))}, "fw.bin", 0, true)
	require.ErrorIs(t, err, selfupdate.ErrShortRead)

	require.Equal(t, 1, b.flash.Erases, "the short read aborts before the next erase")
	require.Zero(t, b.wdog.Fired())
}

// shortSizeReader claims a larger size than the volume will serve.
type shortSizeReader struct {
	vol   *backfs.Volume
	claim uint32
}

func (r shortSizeReader) Size(string) (uint32, error) { return r.claim, nil }

func (r shortSizeReader) ReadRange(name string, off uint32, buf []byte) (int, error) {
	return r.vol.ReadRange(name, off, buf)
}

func TestCriticalSectionCoversEverySector(t *testing.T) {
	t.Parallel()

	b := newBoard(t)
	files := newFiles(t, "fw.bin", bytes.Repeat([]byte{3}, 100))

	require.NoError(t, b.upd.Run(files, "fw.bin", 0, false))
	require.False(t, b.irq.Disabled(), "interrupts restored after the loop")
	require.Equal(t, 1, b.irq.MaxDepth)
}
