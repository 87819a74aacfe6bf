package backfs

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/calvinalkan/boardcore/internal/blockdev"
)

// FileInfo describes one stored file.
type FileInfo struct {
	Name string

	// Addr is the backend-local offset of the slot.
	Addr uint32

	// Size is the logical length in bytes.
	Size uint32

	// Capacity is the reserved length, always a multiple of the
	// backend's erase alignment.
	Capacity uint32
}

// Volume is the uniform file facade over one backend device.
//
// A Volume is single-master: it is not safe for concurrent use, and
// the image flock in blockdev keeps a second process out entirely.
type Volume struct {
	backend Backend
	dev     blockdev.Device
	mounted bool
	slots   []slot
}

// New wraps dev as a volume of the given backend. The device geometry
// must match the backend's erase alignment and leave room for file
// data beyond the directory region.
func New(backend Backend, dev blockdev.Device) (*Volume, error) {
	geo := dev.Geometry()
	params := backend.Params()

	if geo.EraseAlign != params.EraseAlign {
		return nil, fmt.Errorf("%w: device erase align %d, %s wants %d",
			ErrInvalidArgument, geo.EraseAlign, backend, params.EraseAlign)
	}

	if geo.Size <= dirRegionSize(params.EraseAlign) {
		return nil, fmt.Errorf("%w: device smaller than directory region", ErrInvalidArgument)
	}

	return &Volume{backend: backend, dev: dev}, nil
}

// Backend returns the volume's backend identity.
func (v *Volume) Backend() Backend { return v.backend }

// Device exposes the underlying device geometry.
func (v *Volume) Device() blockdev.Geometry { return v.dev.Geometry() }

func (v *Volume) eraseAlign() uint32 { return v.backend.Params().EraseAlign }

func (v *Volume) dataStart() uint32 { return dirRegionSize(v.eraseAlign()) }

// Mount loads the directory. Idempotent.
//
// An empty volume formats itself when autoFormat is true and the
// backend allows auto-format on empty mount; PSRAM's directory is
// volatile, so it formats unconditionally and ignores the argument.
// An empty flash or NAND volume mounted with autoFormat=false fails
// with ErrNotFormatted.
func (v *Volume) Mount(autoFormat bool) error {
	if v.mounted {
		return nil
	}

	raw := make([]byte, dirTableSize)
	if err := v.dev.ReadAt(0, raw); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	slots, err := decodeDir(raw, v.eraseAlign())

	switch {
	case err == nil:
		v.slots = slots
		v.mounted = true

		return nil

	case errors.Is(err, ErrNotFormatted) && v.backend == Psram:
		return v.Format()

	case errors.Is(err, ErrNotFormatted) && v.backend.Params().AutoFormatOnEmptyMount && autoFormat:
		return v.Format()

	default:
		return err
	}
}

// Format writes a fresh, empty directory and mounts the volume.
// File data outside the directory region is not touched; the entries
// pointing at it are gone.
func (v *Volume) Format() error {
	v.slots = nil
	v.mounted = true

	if err := v.persist(); err != nil {
		v.mounted = false

		return err
	}

	return nil
}

func (v *Volume) persist() error {
	raw := encodeDir(v.eraseAlign(), v.slots)

	if align := v.eraseAlign(); align > 1 {
		if err := v.dev.EraseRange(0, dirRegionSize(align)); err != nil {
			return fmt.Errorf("%w: erase directory: %w", ErrIO, err)
		}
	}

	if err := v.dev.Program(0, raw); err != nil {
		return fmt.Errorf("%w: write directory: %w", ErrIO, err)
	}

	if err := v.dev.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %w", ErrIO, err)
	}

	return nil
}

func (v *Volume) find(name string) int {
	for i := range v.slots {
		if v.slots[i].name == name {
			return i
		}
	}

	return -1
}

// Exists reports whether name is present. Pure lookup; no allocation.
func (v *Volume) Exists(name string) bool {
	if !v.mounted {
		return false
	}

	name, err := NormalizeName(name)
	if err != nil {
		return false
	}

	return v.find(name) >= 0
}

// Stat returns the slot description for name.
func (v *Volume) Stat(name string) (FileInfo, error) {
	name, err := v.lookupName(name)
	if err != nil {
		return FileInfo{}, err
	}

	i := v.find(name)
	if i < 0 {
		return FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	s := v.slots[i]

	return FileInfo{Name: s.name, Addr: s.addr, Size: s.size, Capacity: s.capacity}, nil
}

// Size returns the logical length of name.
func (v *Volume) Size(name string) (uint32, error) {
	info, err := v.Stat(name)
	if err != nil {
		return 0, err
	}

	return info.Size, nil
}

func (v *Volume) lookupName(name string) (string, error) {
	if !v.mounted {
		return "", ErrNotMounted
	}

	return NormalizeName(name)
}

// Create allocates a fresh slot for name with
// capacity = roundUp(max(reserve, eraseAlign, len(data)), eraseAlign)
// and writes data (which may be empty) as the initial contents.
// Fails if name exists or no contiguous span of that capacity is free.
func (v *Volume) Create(name string, reserve uint32, data []byte) error {
	name, err := v.lookupName(name)
	if err != nil {
		return err
	}

	if v.find(name) >= 0 {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}

	if len(v.slots) >= maxEntries {
		return fmt.Errorf("%w: directory full", ErrOutOfSpace)
	}

	capacity := v.reserveCapacity(reserve, uint32(len(data)))

	addr, err := v.allocate(capacity, -1)
	if err != nil {
		return err
	}

	s := slot{name: name, addr: addr, size: uint32(len(data)), capacity: capacity}

	if err := v.writeSlot(s, data); err != nil {
		return err
	}

	v.slots = append(v.slots, s)

	if err := v.persist(); err != nil {
		v.slots = v.slots[:len(v.slots)-1]

		return err
	}

	return nil
}

func (v *Volume) reserveCapacity(reserve, dataLen uint32) uint32 {
	align := v.eraseAlign()

	return roundUp(max(reserve, align, dataLen, 1), align)
}

// allocate finds the first free span of length capacity in the data
// area. skip excludes one slot index from the occupancy map (the slot
// being relocated).
func (v *Volume) allocate(capacity uint32, skip int) (uint32, error) {
	type span struct{ start, end uint32 }

	used := make([]span, 0, len(v.slots))

	for i := range v.slots {
		if i == skip {
			continue
		}

		used = append(used, span{start: v.slots[i].addr, end: v.slots[i].addr + v.slots[i].capacity})
	}

	slices.SortFunc(used, func(a, b span) int { return int(int64(a.start) - int64(b.start)) })

	pos := v.dataStart()
	devEnd := v.dev.Geometry().Size

	for _, u := range used {
		if u.start >= pos+capacity {
			break
		}

		if u.end > pos {
			pos = u.end
		}
	}

	if uint64(pos)+uint64(capacity) > uint64(devEnd) {
		return 0, fmt.Errorf("%w: need %d bytes", ErrOutOfSpace, capacity)
	}

	return pos, nil
}

// writeSlot erases the slot's capacity range (on erase backends) and
// programs data at its address.
func (v *Volume) writeSlot(s slot, data []byte) error {
	if align := v.eraseAlign(); align > 1 {
		if err := v.dev.EraseRange(s.addr, s.capacity); err != nil {
			return fmt.Errorf("%w: erase slot: %w", ErrIO, err)
		}
	}

	if len(data) == 0 {
		return nil
	}

	if err := v.dev.Program(s.addr, data); err != nil {
		return fmt.Errorf("%w: program slot: %w", ErrIO, err)
	}

	return nil
}

// Write replaces the contents of name, creating it if absent. With
// ReplaceInPlaceFirst the existing slot is reused when data fits its
// capacity; otherwise (and always with ReplaceRelocate) a new slot is
// allocated with the old span counted as free, so it may start at the
// old address. On success the file's size is
// len(data); capacity never drops below one erase unit.
func (v *Volume) Write(name string, data []byte, mode ReplaceMode) error {
	name, err := v.lookupName(name)
	if err != nil {
		return err
	}

	i := v.find(name)
	if i < 0 {
		return v.Create(name, uint32(len(data)), data)
	}

	if mode == ReplaceInPlaceFirst && uint32(len(data)) <= v.slots[i].capacity {
		return v.rewriteInPlace(i, data)
	}

	capacity := v.reserveCapacity(0, uint32(len(data)))

	addr, err := v.allocate(capacity, i)
	if err != nil {
		return err
	}

	s := slot{name: name, addr: addr, size: uint32(len(data)), capacity: capacity}

	if err := v.writeSlot(s, data); err != nil {
		return err
	}

	old := v.slots[i]
	v.slots[i] = s

	if err := v.persist(); err != nil {
		v.slots[i] = old

		return err
	}

	return nil
}

func (v *Volume) rewriteInPlace(i int, data []byte) error {
	s := v.slots[i]

	if err := v.writeSlot(s, data); err != nil {
		return err
	}

	old := v.slots[i].size
	v.slots[i].size = uint32(len(data))

	if err := v.persist(); err != nil {
		v.slots[i].size = old

		return err
	}

	return nil
}

// WriteInPlace rewrites (or appends to) name without relocating.
// Fails with ErrOutOfSpace if the result would exceed the slot's
// capacity.
func (v *Volume) WriteInPlace(name string, data []byte, appendTo bool) error {
	name, err := v.lookupName(name)
	if err != nil {
		return err
	}

	i := v.find(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	s := v.slots[i]

	if !appendTo {
		if uint32(len(data)) > s.capacity {
			return fmt.Errorf("%w: %d bytes into capacity %d", ErrOutOfSpace, len(data), s.capacity)
		}

		return v.rewriteInPlace(i, data)
	}

	if s.size+uint32(len(data)) > s.capacity {
		return fmt.Errorf("%w: append %d to %d bytes into capacity %d", ErrOutOfSpace, len(data), s.size, s.capacity)
	}

	if v.eraseAlign() > 1 {
		// Rewriting an erase backend in place means erasing the slot,
		// so the existing bytes have to ride along.
		old := make([]byte, s.size)
		if err := v.readAt(s.addr, old); err != nil {
			return err
		}

		return v.rewriteInPlace(i, append(old, data...))
	}

	if err := v.dev.Program(s.addr+s.size, data); err != nil {
		return fmt.Errorf("%w: program append: %w", ErrIO, err)
	}

	v.slots[i].size += uint32(len(data))

	if err := v.persist(); err != nil {
		v.slots[i].size = s.size

		return err
	}

	return nil
}

func (v *Volume) readAt(addr uint32, buf []byte) error {
	if err := v.dev.ReadAt(addr, buf); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return nil
}

// Read fills buf from the start of name and returns the byte count:
// min(file size, len(buf)).
func (v *Volume) Read(name string, buf []byte) (int, error) {
	return v.ReadRange(name, 0, buf)
}

// ReadRange fills buf from offset off of name and returns the byte
// count. Reads past EOF return 0 with no error.
func (v *Volume) ReadRange(name string, off uint32, buf []byte) (int, error) {
	info, err := v.Stat(name)
	if err != nil {
		return 0, err
	}

	if off >= info.Size {
		return 0, nil
	}

	n := min(uint32(len(buf)), info.Size-off)

	if err := v.readAt(info.Addr+off, buf[:n]); err != nil {
		return 0, err
	}

	return int(n), nil
}

// Remove deletes name's directory entry. The slot's bytes stay on the
// device until the space is reused.
func (v *Volume) Remove(name string) error {
	name, err := v.lookupName(name)
	if err != nil {
		return err
	}

	i := v.find(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	old := v.slots
	v.slots = slices.Delete(slices.Clone(v.slots), i, i+1)

	if err := v.persist(); err != nil {
		v.slots = old

		return err
	}

	return nil
}

// List returns all files sorted by name.
func (v *Volume) List() []FileInfo {
	out := make([]FileInfo, 0, len(v.slots))

	for _, s := range v.slots {
		out = append(out, FileInfo{Name: s.name, Addr: s.addr, Size: s.size, Capacity: s.capacity})
	}

	slices.SortFunc(out, func(a, b FileInfo) int { return strings.Compare(a.Name, b.Name) })

	return out
}

// Free returns the total unreserved bytes in the data area.
func (v *Volume) Free() uint32 {
	free := v.dev.Geometry().Size - v.dataStart()

	for _, s := range v.slots {
		free -= s.capacity
	}

	return free
}

// WriteAbs programs data at an absolute device address inside the data
// area. It is the receiver's write path: frames land directly in a
// pre-reserved slot, and FinalizeSize commits the logical length.
func (v *Volume) WriteAbs(addr uint32, data []byte) error {
	if !v.mounted {
		return ErrNotMounted
	}

	if addr < v.dataStart() || uint64(addr)+uint64(len(data)) > uint64(v.dev.Geometry().Size) {
		return fmt.Errorf("%w: abs write [%d, %d)", ErrInvalidArgument, addr, addr+uint32(len(data)))
	}

	if err := v.dev.Program(addr, data); err != nil {
		return fmt.Errorf("%w: abs program: %w", ErrIO, err)
	}

	return nil
}

// FinalizeSize sets name's logical size after an absolute-write
// session. size must not exceed the slot's capacity.
func (v *Volume) FinalizeSize(name string, size uint32) error {
	name, err := v.lookupName(name)
	if err != nil {
		return err
	}

	i := v.find(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if size > v.slots[i].capacity {
		return fmt.Errorf("%w: size %d exceeds capacity %d", ErrInvalidArgument, size, v.slots[i].capacity)
	}

	old := v.slots[i].size
	v.slots[i].size = size

	if err := v.persist(); err != nil {
		v.slots[i].size = old

		return err
	}

	return nil
}

// Close closes the underlying device. The volume is unusable after.
func (v *Volume) Close() error {
	v.mounted = false

	return v.dev.Close()
}
