package cli

import (
	"crypto/sha256"
	"fmt"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/boardcore/internal/backfs"
	"github.com/calvinalkan/boardcore/internal/fscopy"
)

// allCommands builds the command table for one invocation. Commands
// capture env; flag sets are fresh so REPL reuse starts clean.
func allCommands(env *Env) []*Command {
	return []*Command{
		cmdLs(env),
		cmdInfo(env),
		cmdRm(env),
		cmdFormat(env),
		cmdFree(env),
		cmdFscp(env),
		cmdRxbin(env),
		cmdPutb64s(env),
		cmdHash(env),
		cmdSelfupdate(env),
		cmdCall(env),
		cmdTermwidth(env),
	}
}

func cmdLs(env *Env) *Command {
	return &Command{
		Usage: "ls [backend]",
		Short: "List files on a backend (default: all)",
		Exec: func(o *IO, args []string) error {
			backends := []backfs.Backend{backfs.Flash, backfs.Nand, backfs.Psram}

			if len(args) > 0 {
				backend, err := backfs.ParseBackend(args[0])
				if err != nil {
					return err
				}

				backends = backends[:0]
				backends = append(backends, backend)
			}

			return env.withBus(func() error {
				for _, backend := range backends {
					vol, err := env.volume(backend)
					if err != nil {
						return err
					}

					o.Printf("%s:\n", backend)

					nameWidth := min(max(env.Cfg.TermWidth-24, backfs.MaxNameLen), 48)

					for _, f := range vol.List() {
						o.Printf("  %-*s %8d / %-8d\n", nameWidth, f.Name, f.Size, f.Capacity)
					}
				}

				return nil
			})
		},
	}
}

func cmdInfo(env *Env) *Command {
	return &Command{
		Usage: "info <backend:path>",
		Short: "Show a file's slot (address, size, capacity)",
		Exec: func(o *IO, args []string) error {
			if err := needArgs(args, 1, "info <backend:path>"); err != nil {
				return err
			}

			return env.withBus(func() error {
				vol, name, err := env.resolveSpec(args[0])
				if err != nil {
					return err
				}

				f, err := vol.Stat(name)
				if err != nil {
					return err
				}

				o.Printf("%s:%s addr=%#x size=%d capacity=%d\n", vol.Backend(), f.Name, f.Addr, f.Size, f.Capacity)

				return nil
			})
		},
	}
}

func cmdRm(env *Env) *Command {
	return &Command{
		Usage: "rm <backend:path>",
		Short: "Delete a file",
		Exec: func(_ *IO, args []string) error {
			if err := needArgs(args, 1, "rm <backend:path>"); err != nil {
				return err
			}

			return env.withBus(func() error {
				vol, name, err := env.resolveSpec(args[0])
				if err != nil {
					return err
				}

				return vol.Remove(name)
			})
		},
	}
}

func cmdFormat(env *Env) *Command {
	return &Command{
		Usage: "format <backend>",
		Short: "Write a fresh, empty directory on a backend",
		Exec: func(o *IO, args []string) error {
			if err := needArgs(args, 1, "format <backend>"); err != nil {
				return err
			}

			backend, err := backfs.ParseBackend(args[0])
			if err != nil {
				return err
			}

			return env.withBus(func() error {
				vol, err := env.Rig.Volume(backend)
				if err != nil {
					return err
				}

				if err := vol.Format(); err != nil {
					return err
				}

				o.Println("formatted", backend.String())

				return nil
			})
		},
	}
}

func cmdFree(env *Env) *Command {
	return &Command{
		Usage: "free [backend]",
		Short: "Show unreserved bytes (default: all backends)",
		Exec: func(o *IO, args []string) error {
			backends := []backfs.Backend{backfs.Flash, backfs.Nand, backfs.Psram}

			if len(args) > 0 {
				backend, err := backfs.ParseBackend(args[0])
				if err != nil {
					return err
				}

				backends = backends[:0]
				backends = append(backends, backend)
			}

			return env.withBus(func() error {
				for _, backend := range backends {
					vol, err := env.volume(backend)
					if err != nil {
						return err
					}

					o.Printf("%-6s %d\n", backend, vol.Free())
				}

				return nil
			})
		},
	}
}

func cmdFscp(env *Env) *Command {
	flags := flag.NewFlagSet("fscp", flag.ContinueOnError)
	force := flags.BoolP("force", "f", false, "replace an existing destination")

	return &Command{
		Flags: flags,
		Usage: "fscp <src> <dst> [-f]",
		Short: "Copy a file across backends",
		Long: "Copy a file between backend-qualified paths (flash:, nand:, psram:).\n" +
			"A destination ending in / keeps the source basename.",
		Exec: func(_ *IO, args []string) error {
			if err := needArgs(args, 2, "fscp <src> <dst> [-f]"); err != nil {
				return err
			}

			return env.withBus(func() error {
				return fscopy.Copy(env.Rig.Volume, args[0], args[1], *force)
			})
		},
	}
}

func cmdHash(env *Env) *Command {
	return &Command{
		Usage: "hash <backend:path>",
		Short: "Print a file's SHA-256 (hex, lower)",
		Exec: func(o *IO, args []string) error {
			if err := needArgs(args, 1, "hash <backend:path>"); err != nil {
				return err
			}

			return env.withBus(func() error {
				vol, name, err := env.resolveSpec(args[0])
				if err != nil {
					return err
				}

				size, err := vol.Size(name)
				if err != nil {
					return err
				}

				buf := make([]byte, max(size, 1))

				n, err := vol.Read(name, buf)
				if err != nil {
					return err
				}

				o.Printf("%x  %s\n", sha256.Sum256(buf[:n]), name)

				return nil
			})
		},
	}
}

func cmdTermwidth(env *Env) *Command {
	return &Command{
		Usage: "termwidth <n>",
		Short: "Set and persist the console width",
		Exec: func(o *IO, args []string) error {
			if err := needArgs(args, 1, "termwidth <n>"); err != nil {
				return err
			}

			n, err := strconv.Atoi(args[0])
			if err != nil || n < 20 {
				return fmt.Errorf("%w: width %q", backfs.ErrInvalidArgument, args[0])
			}

			env.Cfg.TermWidth = n

			if err := env.Cfg.Save(env.CfgPath); err != nil {
				return err
			}

			o.Println("termwidth", n)

			return nil
		},
	}
}
