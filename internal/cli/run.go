// Package cli implements the syncprobe command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"syncprobe/internal/config"
)

// ErrInterrupted is returned by commands cancelled by a signal.
var ErrInterrupted = errors.New("interrupted")

const exitInterrupted = 130

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil. A signal received on it cancels the running command,
// which then exits with code 130.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globalFlags := flag.NewFlagSet("syncprobe", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.SetOutput(&strings.Builder{})
	globalFlags.BoolP("help", "h", false, "Show help")
	globalFlags.StringP("cwd", "C", "", "Run as if started in `dir`")
	globalFlags.StringP("config", "c", "", "Use specified config `file`")

	if len(args) > 0 {
		args = args[1:]
	}

	err := globalFlags.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globalFlags, nil)

		return 1
	}

	if help, _ := globalFlags.GetBool("help"); help {
		printUsage(out, globalFlags, nil)

		return 0
	}

	workDir, _ := globalFlags.GetString("cwd")
	configPath, _ := globalFlags.GetString("config")

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: workDir,
		ConfigPath:      configPath,
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	commands := allCommands(&cfg, in, env)

	rest := globalFlags.Args()
	if len(rest) == 0 {
		printUsage(out, globalFlags, commands)

		return 0
	}

	cmd := findCommand(commands, rest[0])
	if cmd == nil {
		fprintln(errOut, "error: unknown command:", rest[0])
		fprintln(errOut)
		printUsage(errOut, globalFlags, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, NewIO(out, errOut), rest[1:])
}

func allCommands(cfg *config.Config, in io.Reader, env map[string]string) []*Command {
	return []*Command{
		RunCmd(cfg),
		ListCmd(),
		PrintConfigCmd(cfg),
		ShellCmd(cfg, in, env),
	}
}

func findCommand(commands []*Command, name string) *Command {
	for _, c := range commands {
		if c.Name() == name {
			return c
		}
	}

	return nil
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globalFlags *flag.FlagSet, commands []*Command) {
	fprintln(w, `syncprobe - conformance probes for locks and condition variables

Usage: syncprobe [global flags] <command> [args]

Global flags:`)
	fprintln(w, strings.TrimRight(globalFlags.FlagUsages(), "\n"))

	if commands == nil {
		commands = allCommands(&config.Config{}, nil, nil)
	}

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range commands {
		fprintln(w, c.HelpLine())
	}
}
