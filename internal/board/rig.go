package board

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/calvinalkan/boardcore/internal/arbiter"
	"github.com/calvinalkan/boardcore/internal/backfs"
	"github.com/calvinalkan/boardcore/internal/blockdev"
	"github.com/calvinalkan/boardcore/internal/hw"
	"github.com/calvinalkan/boardcore/internal/rpc"
)

// Rig assembles the simulated board for one console session: backend
// volumes over image files, the GPIO fabric, the bus arbiter pair and
// the internal-flash surfaces.
//
// Volumes open lazily — a session that never touches NAND never
// creates its image. The local granter is serviced from the clock's
// yield hook, standing in for the co-processor on the other end of the
// two wires.
type Rig struct {
	cfg Config

	Pins    *hw.SimPins
	Clock   *hw.WallClock
	IRQ     *hw.SimInterrupts
	Wdog    *hw.SimWatchdog
	Flash   *hw.SimFlash
	Arbiter *arbiter.Client
	Granter *arbiter.Granter

	vols     map[backfs.Backend]*backfs.Volume
	rpcTable *rpc.Table
}

// RPC returns the session-local dispatch table over the rig's own pin
// fabric, used when no co-processor is on the other end of the link.
func (r *Rig) RPC() *rpc.Table {
	if r.rpcTable == nil {
		r.rpcTable = rpc.NewTable(r.Pins, r.Clock)
	}

	return r.rpcTable
}

// NewRig wires the hardware for cfg. No images are touched yet.
func NewRig(cfg Config) *Rig {
	pins := hw.NewSimPins()
	clock := hw.NewWallClock()

	acfg := arbiter.Config{
		ReqPin:          cfg.ReqPin,
		GrantPin:        cfg.GrantPin,
		ReqActiveLow:    cfg.ReqActiveLow,
		GrantActiveHigh: cfg.GrantActiveHigh,
	}

	granter := arbiter.NewGranter(pins, acfg)
	client := arbiter.NewClient(pins, clock, acfg)
	clock.OnYield = granter.Service

	return &Rig{
		cfg:     cfg,
		Pins:    pins,
		Clock:   clock,
		IRQ:     &hw.SimInterrupts{},
		Wdog:    &hw.SimWatchdog{},
		Flash:   hw.NewSimFlash(cfg.InternalFlashSize),
		Arbiter: client,
		Granter: granter,
		vols:    make(map[backfs.Backend]*backfs.Volume),
	}
}

// ArbiterTimeout returns the configured acquisition timeout.
func (r *Rig) ArbiterTimeout() time.Duration {
	return time.Duration(r.cfg.ArbiterTimeoutMs) * time.Millisecond
}

func (r *Rig) geometry(backend backfs.Backend) blockdev.Geometry {
	p := backend.Params()

	size := map[backfs.Backend]uint32{
		backfs.Flash: r.cfg.FlashSize,
		backfs.Nand:  r.cfg.NandSize,
		backfs.Psram: r.cfg.PsramSize,
	}[backend]

	return blockdev.Geometry{Size: size, EraseAlign: p.EraseAlign, ProgramAlign: p.ProgramAlign}
}

// ImagePath returns the image file path for a backend.
func (r *Rig) ImagePath(backend backfs.Backend) string {
	return filepath.Join(r.cfg.ImageDir, backend.String()+".img")
}

// Volume returns the backend's volume, opening (and creating, on
// first use) its image file. The volume is returned unmounted on
// first open; callers pick the mount policy.
func (r *Rig) Volume(backend backfs.Backend) (*backfs.Volume, error) {
	if vol, ok := r.vols[backend]; ok {
		return vol, nil
	}

	path := r.ImagePath(backend)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(r.cfg.ImageDir, 0o755); err != nil {
			return nil, fmt.Errorf("board: image dir: %w", err)
		}

		if err := blockdev.CreateImage(path, r.geometry(backend)); err != nil {
			return nil, err
		}
	}

	dev, err := blockdev.OpenImage(path)
	if err != nil {
		return nil, err
	}

	vol, err := backfs.New(backend, dev)
	if err != nil {
		_ = dev.Close()

		return nil, err
	}

	r.vols[backend] = vol

	return vol, nil
}

// Close closes every opened volume.
func (r *Rig) Close() error {
	var firstErr error

	for backend, vol := range r.vols {
		if err := vol.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		delete(r.vols, backend)
	}

	return firstErr
}
