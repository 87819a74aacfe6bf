package blockdev

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

// Image file format constants.
const (
	imageMagic      = "BDI1"
	imageVersion    = 1
	imageHeaderSize = 32
)

// Image header field offsets.
const (
	offImgMagic        = 0  // [4]byte
	offImgVersion      = 4  // uint16
	offImgReserved     = 6  // uint16
	offImgSize         = 8  // uint32
	offImgEraseAlign   = 12 // uint32
	offImgProgramAlign = 16 // uint32
	// Bytes 20..31 reserved.
)

// Image is a host-file-backed device.
//
// The file starts with a 32-byte header declaring the geometry; device
// bytes follow. The file is flock'd exclusively for the lifetime of the
// handle, so a second mount of the same image fails with [ErrLocked]
// instead of corrupting the volume.
type Image struct {
	geo    Geometry
	file   *os.File
	closed bool
}

var _ Device = (*Image)(nil)

func encodeImageHeader(geo Geometry) []byte {
	buf := make([]byte, imageHeaderSize)
	copy(buf[offImgMagic:], imageMagic)
	binary.LittleEndian.PutUint16(buf[offImgVersion:], imageVersion)
	binary.LittleEndian.PutUint32(buf[offImgSize:], geo.Size)
	binary.LittleEndian.PutUint32(buf[offImgEraseAlign:], geo.EraseAlign)
	binary.LittleEndian.PutUint32(buf[offImgProgramAlign:], geo.ProgramAlign)

	return buf
}

// CreateImage writes a fresh, fully erased image file at path.
// The write is atomic: a crash mid-create leaves no partial image.
// Fails if path already exists.
func CreateImage(path string, geo Geometry) error {
	if err := geo.validate(); err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("blockdev: image already exists: %s", path)
	}

	img := make([]byte, imageHeaderSize+int(geo.Size))
	copy(img, encodeImageHeader(geo))

	for i := imageHeaderSize; i < len(img); i++ {
		img[i] = 0xFF
	}

	if err := atomic.WriteFile(path, bytes.NewReader(img)); err != nil {
		return fmt.Errorf("blockdev: create image: %w", err)
	}

	return nil
}

// OpenImage opens an existing image file and takes an exclusive flock
// on it. The lock is held until Close.
func OpenImage(path string) (*Image, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("blockdev: open image: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}

		return nil, fmt.Errorf("blockdev: lock image: %w", err)
	}

	geo, err := readImageHeader(file)
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	return &Image{geo: geo, file: file}, nil
}

func readImageHeader(file *os.File) (Geometry, error) {
	hdr := make([]byte, imageHeaderSize)

	if _, err := file.ReadAt(hdr, 0); err != nil {
		return Geometry{}, fmt.Errorf("%w: short header: %w", ErrBadImage, err)
	}

	if string(hdr[offImgMagic:offImgMagic+4]) != imageMagic {
		return Geometry{}, fmt.Errorf("%w: bad magic", ErrBadImage)
	}

	if v := binary.LittleEndian.Uint16(hdr[offImgVersion:]); v != imageVersion {
		return Geometry{}, fmt.Errorf("%w: version %d", ErrBadImage, v)
	}

	geo := Geometry{
		Size:         binary.LittleEndian.Uint32(hdr[offImgSize:]),
		EraseAlign:   binary.LittleEndian.Uint32(hdr[offImgEraseAlign:]),
		ProgramAlign: binary.LittleEndian.Uint32(hdr[offImgProgramAlign:]),
	}

	if err := geo.validate(); err != nil {
		return Geometry{}, err
	}

	info, err := file.Stat()
	if err != nil {
		return Geometry{}, fmt.Errorf("blockdev: stat image: %w", err)
	}

	if info.Size() != int64(imageHeaderSize)+int64(geo.Size) {
		return Geometry{}, fmt.Errorf("%w: file size %d does not match geometry", ErrBadImage, info.Size())
	}

	return geo, nil
}

func (d *Image) Geometry() Geometry { return d.geo }

func (d *Image) ReadAt(off uint32, buf []byte) error {
	if d.closed {
		return ErrClosed
	}

	if err := checkRange(d.geo, off, len(buf)); err != nil {
		return err
	}

	if _, err := d.file.ReadAt(buf, imageHeaderSize+int64(off)); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("blockdev: read image: %w", err)
	}

	return nil
}

func (d *Image) EraseRange(off, length uint32) error {
	if d.closed {
		return ErrClosed
	}

	if err := checkErase(d.geo, off, length); err != nil {
		return err
	}

	// Erase in bounded chunks so a large range does not allocate a
	// range-sized buffer.
	const chunk = 64 * 1024

	blank := make([]byte, min(int(length), chunk))
	for i := range blank {
		blank[i] = 0xFF
	}

	for done := uint32(0); done < length; {
		n := min(length-done, chunk)

		if _, err := d.file.WriteAt(blank[:n], imageHeaderSize+int64(off+done)); err != nil {
			return fmt.Errorf("blockdev: erase image: %w", err)
		}

		done += n
	}

	return nil
}

func (d *Image) Program(off uint32, data []byte) error {
	if d.closed {
		return ErrClosed
	}

	if err := checkRange(d.geo, off, len(data)); err != nil {
		return err
	}

	if _, err := d.file.WriteAt(data, imageHeaderSize+int64(off)); err != nil {
		return fmt.Errorf("blockdev: program image: %w", err)
	}

	return nil
}

func (d *Image) Sync() error {
	if d.closed {
		return ErrClosed
	}

	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("blockdev: sync image: %w", err)
	}

	return nil
}

// Close releases the flock and closes the file. Idempotent.
func (d *Image) Close() error {
	if d.closed {
		return nil
	}

	d.closed = true

	// Closing the descriptor releases the flock; unlock explicitly
	// anyway so the error surface is visible.
	_ = unix.Flock(int(d.file.Fd()), unix.LOCK_UN)

	if err := d.file.Close(); err != nil {
		return fmt.Errorf("blockdev: close image: %w", err)
	}

	return nil
}
