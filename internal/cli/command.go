package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one subcommand of syncprobe: its flags, its help text and the
// function that runs it.
type Command struct {
	// Flags are parsed from the arguments after the command name. The
	// FlagSet's own name is ignored.
	Flags *flag.FlagSet

	// Usage starts with the command name, e.g. "run [flags] [probe...]".
	Usage string

	// Short is shown in the command list, Long in "syncprobe <cmd> --help".
	// An empty Long falls back to Short.
	Short string
	Long  string

	// Exec receives the positional arguments left after flag parsing.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine formats the command for the command list.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-26s %s", c.Usage, c.Short)
}

// writeHelp writes the command's full help to w.
func (c *Command) writeHelp(w io.Writer) {
	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	fmt.Fprintf(w, "Usage: syncprobe %s\n\n%s\n", c.Usage, desc)

	if c.Flags == nil || !c.Flags.HasFlags() {
		return
	}

	fmt.Fprintf(w, "\nFlags:\n%s", c.Flags.FlagUsages())
}

// Run parses args, executes the command and returns its exit code: 0 on
// success, 1 on failure or warnings, 130 when interrupted. Errors are
// printed here so every command reports them the same way.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(io.Discard)

	switch err := c.Flags.Parse(args); {
	case errors.Is(err, flag.ErrHelp):
		c.writeHelp(o.Stdout())

		return 0
	case err != nil:
		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.writeHelp(o.Stderr())

		return 1
	}

	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		o.ErrPrintln("error:", err)

		return exitCode(err)
	}

	return o.Finish()
}

func exitCode(err error) int {
	if errors.Is(err, ErrInterrupted) {
		return exitInterrupted
	}

	return 1
}
