package cli

import (
	"fmt"
	"io"

	"github.com/calvinalkan/boardcore/internal/backfs"
	"github.com/calvinalkan/boardcore/internal/board"
	"github.com/calvinalkan/boardcore/internal/fscopy"
)

// Env is the per-session state commands run against: the loaded
// config, the assembled rig, and the input stream uploads read from.
type Env struct {
	Cfg     board.Config
	CfgPath string
	Rig     *board.Rig
	Stdin   io.Reader
}

// NewEnv assembles a session around cfg. cfgPath is where termwidth
// persists; empty means the default config file name.
func NewEnv(cfg board.Config, cfgPath string, stdin io.Reader) *Env {
	if cfgPath == "" {
		cfgPath = board.ConfigFileName
	}

	return &Env{Cfg: cfg, CfgPath: cfgPath, Rig: board.NewRig(cfg), Stdin: stdin}
}

// Close releases the rig's volumes and image locks.
func (e *Env) Close() error { return e.Rig.Close() }

// volume opens and mounts a backend with its standard policy: NOR and
// NAND auto-format an empty volume, PSRAM decides for itself.
func (e *Env) volume(backend backfs.Backend) (*backfs.Volume, error) {
	vol, err := e.Rig.Volume(backend)
	if err != nil {
		return nil, err
	}

	if err := vol.Mount(backend != backfs.Psram); err != nil {
		return nil, err
	}

	return vol, nil
}

// withBus runs fn holding the external bus.
func (e *Env) withBus(fn func() error) error {
	return e.Rig.Arbiter.With(e.Rig.ArbiterTimeout(), fn)
}

// resolveSpec parses a backend-qualified path and mounts its volume.
func (e *Env) resolveSpec(s string) (*backfs.Volume, string, error) {
	spec, err := fscopy.ParseSpec(s)
	if err != nil {
		return nil, "", err
	}

	name, err := backfs.NormalizeName(spec.Path)
	if err != nil {
		return nil, "", err
	}

	vol, err := e.volume(spec.Backend)
	if err != nil {
		return nil, "", err
	}

	return vol, name, nil
}

func parseBackendArg(args []string, def backfs.Backend) (backfs.Backend, error) {
	if len(args) == 0 {
		return def, nil
	}

	return backfs.ParseBackend(args[0])
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}

	return nil
}
