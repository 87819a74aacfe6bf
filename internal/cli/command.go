package cli

import (
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command defines a CLI command with unified help generation.
type Command struct {
	// Flags defines command-specific flags.
	// The FlagSet name is not used - command identity comes from Usage.
	Flags *flag.FlagSet

	// Usage is the freeform usage string shown after "boardcore" in
	// help. Includes the command name and arguments/flags.
	// Examples: "fscp <src> <dst> [-f]", "ls [backend]"
	Usage string

	// Short is a one-line description for the global help listing.
	Short string

	// Long is the full description shown in command help.
	// If empty, Short is used instead.
	Long string

	// Exec runs the command after flags are parsed.
	Exec func(o *IO, args []string) error
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine returns the short help line for the main usage display.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// PrintHelp prints the full help output for "boardcore <cmd> --help".
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: boardcore", c.Usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")
		o.Printf("%s", c.Flags.FlagUsages())
	}
}

// Run parses args against the command's flags and executes it.
func (c *Command) Run(o *IO, args []string) error {
	if c.Flags != nil {
		c.Flags.Usage = func() {}

		if err := c.Flags.Parse(args); err != nil {
			return err
		}

		args = c.Flags.Args()
	}

	return c.Exec(o, args)
}
