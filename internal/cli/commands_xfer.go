package cli

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/boardcore/internal/backfs"
	"github.com/calvinalkan/boardcore/internal/rxbin"
	"github.com/calvinalkan/boardcore/internal/selfupdate"
)

var errUploadFailed = errors.New("upload failed")

// ensureSlot makes name exist with at least size bytes of capacity and
// returns its slot info. An undersized existing slot is recreated.
func ensureSlot(vol *backfs.Volume, name string, size uint32) (backfs.FileInfo, error) {
	if vol.Exists(name) {
		info, err := vol.Stat(name)
		if err != nil {
			return backfs.FileInfo{}, err
		}

		if info.Capacity >= size {
			return info, nil
		}

		if err := vol.Remove(name); err != nil {
			return backfs.FileInfo{}, err
		}
	}

	if err := vol.Create(name, size, nil); err != nil {
		return backfs.FileInfo{}, err
	}

	return vol.Stat(name)
}

func cmdRxbin(env *Env) *Command {
	flags := flag.NewFlagSet("rxbin", flag.ContinueOnError)
	backendName := flags.StringP("backend", "b", "psram", "destination backend")
	from := flags.String("from", "", "read the frame stream from a host file instead of stdin")

	return &Command{
		Flags: flags,
		Usage: "rxbin <name> <len> [flags]",
		Short: "Receive a framed binary upload into a file",
		Long: "Receive magic-tagged, CRC-checked frames and commit them under <name>.\n" +
			"The declared <len> must match the bytes the commit frame closes over.",
		Exec: func(o *IO, args []string) error {
			if err := needArgs(args, 2, "rxbin <name> <len> [flags]"); err != nil {
				return err
			}

			total, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("%w: length %q", backfs.ErrInvalidArgument, args[1])
			}

			backend, err := backfs.ParseBackend(*backendName)
			if err != nil {
				return err
			}

			input := env.Stdin

			if *from != "" {
				f, err := os.Open(*from)
				if err != nil {
					return err
				}
				defer f.Close()

				input = f
			}

			return env.withBus(func() error {
				vol, err := env.volume(backend)
				if err != nil {
					return err
				}

				name, err := backfs.NormalizeName(args[0])
				if err != nil {
					return err
				}

				info, err := ensureSlot(vol, name, uint32(total))
				if err != nil {
					return err
				}

				port := rxbin.NewPort(o.Out())
				sess := &rxbin.Session{}
				sess.SetMaxFrame(env.Cfg.MaxFrame)

				err = sess.Begin(port, name, uint32(total), rxbin.Writer{
					WriteAbs: vol.WriteAbs,
					FinalizeSize: func(n string, size, _, _ uint32) error {
						return vol.FinalizeSize(n, size)
					},
					BaseAddr: info.Addr,
					Capacity: info.Capacity,
				})
				if err != nil {
					return err
				}

				chunk := make([]byte, 4096)

				for sess.Active() {
					n, err := input.Read(chunk)
					if n > 0 {
						port.Feed(chunk[:n])
						sess.Pump()
					}

					if err != nil {
						break
					}
				}

				if sess.Active() {
					sess.End(false, "eof")
				}

				if !sess.Succeeded() {
					return errUploadFailed
				}

				return nil
			})
		},
	}
}

func cmdPutb64s(env *Env) *Command {
	flags := flag.NewFlagSet("putb64s", flag.ContinueOnError)
	backendName := flags.StringP("backend", "b", "psram", "destination backend")

	return &Command{
		Flags: flags,
		Usage: "putb64s <name> <len> [flags]",
		Short: "Receive base64-pasted bytes into a file",
		Long: "Read base64 lines until a line holding a single '.' (or EOF),\n" +
			"decode them and store exactly <len> bytes under <name>.",
		Exec: func(o *IO, args []string) error {
			if err := needArgs(args, 2, "putb64s <name> <len> [flags]"); err != nil {
				return err
			}

			expected, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("%w: length %q", backfs.ErrInvalidArgument, args[1])
			}

			backend, err := backfs.ParseBackend(*backendName)
			if err != nil {
				return err
			}

			data, err := readB64(env.Stdin)
			if err != nil {
				return err
			}

			if uint64(len(data)) != expected {
				return fmt.Errorf("%w: got %d bytes, expected %d", backfs.ErrInvalidArgument, len(data), expected)
			}

			return env.withBus(func() error {
				vol, err := env.volume(backend)
				if err != nil {
					return err
				}

				mode := backend.NativeReplaceMode(-1)

				if err := vol.Write(args[0], data, mode); err != nil {
					return err
				}

				o.Println("OK")

				return nil
			})
		},
	}
}

// readB64 accumulates base64 text until a lone "." line or EOF.
func readB64(r io.Reader) ([]byte, error) {
	var b64 strings.Builder

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "." {
			break
		}

		b64.WriteString(line)
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	text := strings.TrimRight(b64.String(), "=")

	data, err := base64.RawStdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backfs.ErrInvalidArgument, err)
	}

	return data, nil
}

func cmdSelfupdate(env *Env) *Command {
	flags := flag.NewFlagSet("selfupdate", flag.ContinueOnError)
	backendName := flags.StringP("backend", "b", "psram", "backend holding the firmware file")
	noReboot := flags.Bool("no-reboot", false, "program the flash but skip the watchdog reset")

	return &Command{
		Flags: flags,
		Usage: "selfupdate <name> [flags]",
		Short: "Program internal flash from a stored file and reboot",
		Long: "Copy the file's bytes sector-by-sector into internal flash at the\n" +
			"configured target offset, pad the last sector with 0xFF, then reboot\n" +
			"via watchdog. Not cancellable once the first sector is erased.",
		Exec: func(o *IO, args []string) error {
			if err := needArgs(args, 1, "selfupdate <name> [flags]"); err != nil {
				return err
			}

			backend, err := backfs.ParseBackend(*backendName)
			if err != nil {
				return err
			}

			return env.withBus(func() error {
				vol, err := env.volume(backend)
				if err != nil {
					return err
				}

				upd := selfupdate.New(env.Rig.Flash, env.Rig.IRQ, env.Rig.Wdog, env.Rig.Clock)

				if err := upd.Run(vol, args[0], env.Cfg.FlashTargetOffset, !*noReboot); err != nil {
					return err
				}

				if env.Rig.Wdog.Fired() > 0 {
					o.Println("flash programmed, watchdog reset")
				} else {
					o.Println("flash programmed")
				}

				return nil
			})
		},
	}
}

func cmdCall(env *Env) *Command {
	return &Command{
		Usage: "call <name> [args...]",
		Short: "Invoke a co-processor primitive by name",
		Long: "Send a name-based call over the co-processor link, e.g.\n" +
			"  call digitalWrite 7 1\n" +
			"Falls back to the local pin fabric when no co-processor is connected.",
		Exec: func(o *IO, args []string) error {
			if err := needArgs(args, 1, "call <name> [args...]"); err != nil {
				return err
			}

			line := strings.Join(args, " ")

			reply, err := callCoproc(env, line)
			if err != nil {
				return err
			}

			o.Println(reply)

			if strings.HasPrefix(reply, "ERR") {
				return fmt.Errorf("%w: %s", backfs.ErrInvalidArgument, reply)
			}

			return nil
		},
	}
}

// callCoproc sends one request line. A running coproc binary answers
// over its unix socket; without one the call dispatches into the
// session's own pin fabric.
func callCoproc(env *Env, line string) (string, error) {
	conn, err := net.Dial("unix", env.Cfg.CoprocSocket)
	if err != nil {
		return env.Rig.RPC().ServeLine(line), nil
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return "", err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(reply, "\n"), nil
}
