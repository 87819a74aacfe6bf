// Package blockdev provides the raw block devices the filesystem facade
// runs over: NOR flash, NAND flash, and pseudo-static RAM, each with its
// device-native erase and program alignments.
//
// Three implementations are provided:
//   - [Mem]: in-memory device for tests
//   - [Image]: host-file-backed device for the console binaries
//   - [Chaos]: wrapper that injects failures for IO-error path tests
//
// Erase granularity is enforced here; what bytes mean is the facade's
// business. Erased bytes read 0xFF, including on PSRAM (whose erase
// alignment is 1 and whose erases are plain fills).
package blockdev

import (
	"errors"
	"fmt"
)

var (
	// ErrAlignment is returned when an erase range does not match the
	// device's erase alignment.
	ErrAlignment = errors.New("blockdev: unaligned erase")

	// ErrOutOfRange is returned when an access extends past the
	// device's capacity.
	ErrOutOfRange = errors.New("blockdev: out of range")

	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("blockdev: closed")

	// ErrLocked is returned when an image file is already mounted by
	// another process.
	ErrLocked = errors.New("blockdev: image locked by another process")

	// ErrBadImage is returned when an image file fails header
	// validation.
	ErrBadImage = errors.New("blockdev: bad image file")
)

// Geometry carries a device's static parameters.
type Geometry struct {
	// Size is the device capacity in bytes.
	Size uint32

	// EraseAlign is the smallest erasable unit. 1 means the device is
	// byte-addressable and needs no erase before program.
	EraseAlign uint32

	// ProgramAlign is the native program page size. It is advisory for
	// Program (devices accept byte-granular writes) and drives
	// page-wise programming where callers need it.
	ProgramAlign uint32
}

func (g Geometry) validate() error {
	if g.Size == 0 || g.EraseAlign == 0 || g.ProgramAlign == 0 {
		return fmt.Errorf("%w: zero geometry field", ErrBadImage)
	}

	if g.Size%g.EraseAlign != 0 {
		return fmt.Errorf("%w: size %d not a multiple of erase align %d", ErrBadImage, g.Size, g.EraseAlign)
	}

	return nil
}

// Device is a raw block device.
//
// Implementations are not safe for concurrent use; the facade layers a
// single-mount discipline on top (see [OpenImage]'s flock).
type Device interface {
	// Geometry returns the device's static parameters.
	Geometry() Geometry

	// ReadAt fills buf from device offset off.
	ReadAt(off uint32, buf []byte) error

	// EraseRange erases [off, off+length), filling it with 0xFF.
	// off and length must be multiples of the erase alignment.
	EraseRange(off, length uint32) error

	// Program places data at off. Callers on erase-aligned devices
	// must have erased the range first; Program does not check.
	Program(off uint32, data []byte) error

	// Sync flushes buffered state to stable storage.
	Sync() error

	// Close releases the device. Further operations fail with
	// [ErrClosed].
	Close() error
}

func checkRange(g Geometry, off uint32, n int) error {
	if n < 0 || uint64(off)+uint64(n) > uint64(g.Size) {
		return fmt.Errorf("%w: [%d, %d+%d)", ErrOutOfRange, off, off, n)
	}

	return nil
}

func checkErase(g Geometry, off, length uint32) error {
	if err := checkRange(g, off, int(length)); err != nil {
		return err
	}

	if g.EraseAlign > 1 && (off%g.EraseAlign != 0 || length%g.EraseAlign != 0) {
		return fmt.Errorf("%w: [%d, %d) vs align %d", ErrAlignment, off, off+length, g.EraseAlign)
	}

	return nil
}

// Mem is an in-memory device.
type Mem struct {
	geo    Geometry
	data   []byte
	closed bool
}

// NewMem creates an in-memory device with all bytes erased.
func NewMem(geo Geometry) (*Mem, error) {
	if err := geo.validate(); err != nil {
		return nil, err
	}

	data := make([]byte, geo.Size)
	for i := range data {
		data[i] = 0xFF
	}

	return &Mem{geo: geo, data: data}, nil
}

func (m *Mem) Geometry() Geometry { return m.geo }

func (m *Mem) ReadAt(off uint32, buf []byte) error {
	if m.closed {
		return ErrClosed
	}

	if err := checkRange(m.geo, off, len(buf)); err != nil {
		return err
	}

	copy(buf, m.data[off:])

	return nil
}

func (m *Mem) EraseRange(off, length uint32) error {
	if m.closed {
		return ErrClosed
	}

	if err := checkErase(m.geo, off, length); err != nil {
		return err
	}

	for i := off; i < off+length; i++ {
		m.data[i] = 0xFF
	}

	return nil
}

func (m *Mem) Program(off uint32, data []byte) error {
	if m.closed {
		return ErrClosed
	}

	if err := checkRange(m.geo, off, len(data)); err != nil {
		return err
	}

	copy(m.data[off:], data)

	return nil
}

func (m *Mem) Sync() error {
	if m.closed {
		return ErrClosed
	}

	return nil
}

func (m *Mem) Close() error {
	m.closed = true

	return nil
}
