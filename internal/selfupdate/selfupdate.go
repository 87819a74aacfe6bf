// Package selfupdate programs the MCU's internal flash from a stored
// file and reboots into the result.
//
// The file's bytes are copied verbatim — no header, no metadata — one
// 4 KiB sector at a time, tail-padded with 0xFF. Each sector's
// erase+program runs with interrupts masked: nothing may fetch from
// the region being erased, the tick included. A short read aborts the
// loop before the next erase; whatever was already programmed stays,
// and recovery is the external bootloader's problem.
package selfupdate

import (
	"errors"
	"fmt"
	"time"

	"github.com/calvinalkan/boardcore/internal/hw"
)

var (
	// ErrEmptyFile rejects updating from a zero-length file.
	ErrEmptyFile = errors.New("selfupdate: empty file")

	// ErrTooBig rejects an update that would run past the configured
	// internal flash capacity.
	ErrTooBig = errors.New("selfupdate: file exceeds internal flash")

	// ErrShortRead aborts the loop on an incomplete file read.
	ErrShortRead = errors.New("selfupdate: short read")

	// ErrBusy rejects a second concurrent session.
	ErrBusy = errors.New("selfupdate: session in progress")
)

// FileReader is the slice of the file facade the updater needs.
type FileReader interface {
	Size(name string) (uint32, error)
	ReadRange(name string, off uint32, buf []byte) (int, error)
}

// rebootDelay settles the console UART before the watchdog fires.
const rebootDelay = 20 * time.Millisecond

// Updater owns the single sector scratch buffer. One session at a
// time; the buffer's exclusivity is what forbids concurrency.
type Updater struct {
	flash hw.InternalFlash
	irq   hw.Interrupts
	wdog  hw.Watchdog
	clock hw.Clock

	scratch [hw.FlashSectorSize]byte
	busy    bool
}

// New builds an updater over the board's flash, interrupt and watchdog
// surfaces.
func New(flash hw.InternalFlash, irq hw.Interrupts, wdog hw.Watchdog, clock hw.Clock) *Updater {
	return &Updater{flash: flash, irq: irq, wdog: wdog, clock: clock}
}

// Run programs internal flash at flashOffset from the named file and,
// when rebootAfter is set, triggers the watchdog. On hardware the
// reboot does not return; callers only see Run return on failure or in
// simulation.
//
// Sectors are programmed in ascending address order. Once the first
// sector is erased the update cannot be cancelled; failures after that
// point leave the flash inconsistent.
func (u *Updater) Run(files FileReader, name string, flashOffset uint32, rebootAfter bool) error {
	if u.busy {
		return ErrBusy
	}

	u.busy = true
	defer func() { u.busy = false }()

	total, err := files.Size(name)
	if err != nil {
		return fmt.Errorf("selfupdate: %w", err)
	}

	if total == 0 {
		return ErrEmptyFile
	}

	if flashOffset%hw.FlashSectorSize != 0 {
		return fmt.Errorf("selfupdate: offset %#x not sector aligned", flashOffset)
	}

	if uint64(flashOffset)+uint64(total) > uint64(u.flash.Size()) {
		return fmt.Errorf("%w: %d bytes at %#x into %d", ErrTooBig, total, flashOffset, u.flash.Size())
	}

	if err := u.flash.Connect(); err != nil {
		return fmt.Errorf("selfupdate: connect flash: %w", err)
	}

	srcPos := uint32(0)
	dstOff := flashOffset

	for srcPos < total {
		toRead := min(total-srcPos, hw.FlashSectorSize)

		for i := range u.scratch {
			u.scratch[i] = 0xFF
		}

		got, err := files.ReadRange(name, srcPos, u.scratch[:toRead])
		if err != nil {
			return fmt.Errorf("selfupdate: read at %d: %w", srcPos, err)
		}

		if uint32(got) != toRead {
			return fmt.Errorf("%w: %d of %d at %d", ErrShortRead, got, toRead, srcPos)
		}

		if err := u.programSector(dstOff); err != nil {
			return err
		}

		srcPos += toRead
		dstOff += hw.FlashSectorSize
	}

	if rebootAfter {
		u.clock.Sleep(rebootDelay)
		u.wdog.Reboot()
	}

	return nil
}

// programSector erases and programs one sector from the scratch
// buffer inside the interrupt-masked critical section.
func (u *Updater) programSector(dstOff uint32) error {
	restore := u.irq.Disable()
	defer restore()

	if err := u.flash.EraseSector(dstOff); err != nil {
		return fmt.Errorf("selfupdate: erase %#x: %w", dstOff, err)
	}

	for page := uint32(0); page < hw.FlashSectorSize; page += hw.FlashPageSize {
		if err := u.flash.ProgramPage(dstOff+page, u.scratch[page:page+hw.FlashPageSize]); err != nil {
			return fmt.Errorf("selfupdate: program %#x: %w", dstOff+page, err)
		}
	}

	return nil
}
