package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"syncprobe/internal/flavor"
	"syncprobe/internal/probe"
)

// ListCmd returns the list command.
func ListCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("list", flag.ContinueOnError),
		Usage: "list",
		Short: "List probes and lock flavors",
		Long:  "List the probes in the order they run and the lock flavors they can run against.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			execList(io)

			return nil
		},
	}
}

func execList(io *IO) {
	io.Println("probes:")

	for _, name := range probe.Names() {
		io.Printf("  %-10s %s\n", name, probe.Summary(name))
	}

	io.Println()
	io.Println("flavors:")

	for _, name := range flavor.Names() {
		io.Println("  " + name)
	}
}
