package cli

import (
	"io"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/boardcore/internal/board"
)

// Run is the main entry point. Returns exit code.
func Run(stdin io.Reader, out, errOut io.Writer, args []string) int {
	o := NewIO(out, errOut)

	// Create fresh global flags for this invocation.
	globalFlags := flag.NewFlagSet("boardcore", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})
	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagImageDir := globalFlags.String("image-dir", "", "Override image `directory`")

	if err := globalFlags.Parse(args[1:]); err != nil {
		o.Errorln("error:", err)
		printGlobalOptions(o)

		return 1
	}

	cfg, err := board.LoadConfig(*flagConfig)
	if err != nil {
		o.Errorln("error:", err)

		return 1
	}

	if *flagImageDir != "" {
		cfg.ImageDir = *flagImageDir
	}

	env := NewEnv(cfg, *flagConfig, stdin)
	defer env.Close()

	commands := allCommands(env)

	commandAndArgs := globalFlags.Args()

	if *flagHelp {
		printUsage(o, commands)

		return 0
	}

	// No command: interactive console.
	if len(commandAndArgs) == 0 {
		return runConsole(env, o)
	}

	return dispatch(o, commands, commandAndArgs)
}

func dispatch(o *IO, commands []*Command, commandAndArgs []string) int {
	name := commandAndArgs[0]

	var cmd *Command

	for _, c := range commands {
		if c.Name() == name {
			cmd = c

			break
		}
	}

	if cmd == nil {
		o.Errorln("error: unknown command:", name)
		printUsage(o, commands)

		return 1
	}

	rest := commandAndArgs[1:]

	for _, a := range rest {
		if a == "--help" || a == "-h" {
			cmd.PrintHelp(o)

			return 0
		}
	}

	if err := cmd.Run(o, rest); err != nil {
		o.Errorln("error:", err)

		return 1
	}

	return 0
}

func printUsage(o *IO, commands []*Command) {
	o.Println("Usage: boardcore [global flags] <command> [args]")
	o.Println()
	o.Println("Storage and code-delivery console for the dual-core board.")
	o.Println("Run without a command for the interactive console.")
	o.Println()
	o.Println("Commands:")

	for _, c := range commands {
		o.Println(c.HelpLine())
	}

	o.Println()
	printGlobalOptions(o)
}

func printGlobalOptions(o *IO) {
	o.Println("Global flags:")
	o.Println("  -c, --config file     Use specified config file")
	o.Println("      --image-dir dir   Override image directory")
	o.Println("  -h, --help            Show help")
}
