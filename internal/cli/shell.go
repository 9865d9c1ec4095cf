package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"syncprobe/internal/config"
)

// ShellCmd returns the shell command.
func ShellCmd(cfg *config.Config, in io.Reader, env map[string]string) *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Interactive prompt for repeated runs",
		Long: `Start an interactive prompt. Each line is a command as it would follow
"syncprobe" on the command line, e.g. "run -f chan -n 4 mutex".
A failing command does not end the shell. Type 'help' for commands.`,
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			return execShell(ctx, io, cfg, in, env)
		},
	}
}

// prompter reads one input line at a time. [liner.State] implements it.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// scanPrompter reads lines from a non-terminal input such as a pipe.
type scanPrompter struct {
	sc *bufio.Scanner
}

func (p *scanPrompter) Prompt(string) (string, error) {
	if p.sc.Scan() {
		return p.sc.Text(), nil
	}

	if err := p.sc.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (p *scanPrompter) AppendHistory(string) {}

// historyFile returns the path to the history file, or "" without $HOME.
func historyFile(env map[string]string) string {
	home := env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".syncprobe_history")
}

func execShell(ctx context.Context, o *IO, cfg *config.Config, in io.Reader, env map[string]string) error {
	var p prompter

	if f, ok := in.(*os.File); ok && f == os.Stdin {
		state := liner.NewLiner()
		defer state.Close()

		state.SetCtrlCAborts(true)
		state.SetCompleter(completeShell)

		history := historyFile(env)
		if hf, err := os.Open(history); err == nil {
			_, _ = state.ReadHistory(hf)
			_ = hf.Close()
		}

		defer saveHistory(state, history)

		p = state
	} else {
		if in == nil {
			in = strings.NewReader("")
		}

		p = &scanPrompter{sc: bufio.NewScanner(in)}
	}

	o.Printf("syncprobe shell (flavor=%s, workers=%d)\n", cfg.Flavor, cfg.Workers)
	o.Println("Type 'help' for available commands.")

	for {
		line, err := p.Prompt("syncprobe> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				o.Println("bye")

				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p.AppendHistory(line)

		quit, err := dispatchShellLine(ctx, o, cfg, line)
		if err != nil {
			return err
		}

		if quit {
			o.Println("bye")

			return nil
		}
	}
}

func saveHistory(state *liner.State, path string) {
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		_, _ = state.WriteHistory(f)
		_ = f.Close()
	}
}

func shellCommands(cfg *config.Config) []*Command {
	return []*Command{
		RunCmd(cfg),
		ListCmd(),
		PrintConfigCmd(cfg),
	}
}

// dispatchShellLine runs one shell line. Commands are rebuilt per line
// because a parsed FlagSet keeps its values.
func dispatchShellLine(ctx context.Context, o *IO, cfg *config.Config, line string) (bool, error) {
	parts := strings.Fields(line)
	name, args := strings.ToLower(parts[0]), parts[1:]

	switch name {
	case "exit", "quit", "q":
		return true, nil

	case "help", "?":
		printShellHelp(o, cfg)

		return false, nil
	}

	cmd := findCommand(shellCommands(cfg), name)
	if cmd == nil {
		o.Printf("unknown command: %s (type 'help' for commands)\n", name)

		return false, nil
	}

	cmd.Run(ctx, NewIO(o.Stdout(), o.Stderr()), args)

	if ctx.Err() != nil {
		return true, ErrInterrupted
	}

	return false, nil
}

func printShellHelp(o *IO, cfg *config.Config) {
	o.Println("Commands:")

	for _, c := range shellCommands(cfg) {
		o.Println(c.HelpLine())
	}

	o.Printf("  %-26s %s\n", "help", "Show this help")
	o.Printf("  %-26s %s\n", "exit / quit / q", "Leave the shell")
	o.Println()
	o.Println("Use '<command> --help' for the flags of a command.")
}

// completeShell provides tab completion for command names.
func completeShell(line string) []string {
	names := []string{"run", "list", "print-config", "help", "exit", "quit"}

	var completions []string

	lower := strings.ToLower(line)
	for _, name := range names {
		if strings.HasPrefix(name, lower) {
			completions = append(completions, name)
		}
	}

	return completions
}
