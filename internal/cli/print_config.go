package cli

import (
	"context"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"syncprobe/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg *config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			execPrintConfig(io, cfg)

			return nil
		},
	}
}

func execPrintConfig(io *IO, cfg *config.Config) {
	io.Println("effective_cwd=" + cfg.EffectiveCwd)
	io.Println("workers=" + strconv.Itoa(cfg.Workers))
	io.Println("flavor=" + cfg.Flavor)
	io.Println("probes=" + strings.Join(cfg.Probes, ","))
	io.Println("repeat=" + strconv.Itoa(cfg.Repeat))
	io.Println("stagger=" + cfg.Stagger.String())
	io.Println("backoff=" + cfg.Backoff.String())
	io.Println("poll_interval=" + cfg.PollInterval.String())
	io.Println("settle=" + cfg.Settle.String())
	io.Println("spurious=" + strconv.FormatBool(cfg.Spurious))
	io.Println("timeout=" + cfg.Timeout.String())

	if cfg.LockDirAbs != "" {
		io.Println("lock_dir=" + cfg.LockDirAbs)
	}

	io.Println("")
	io.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		io.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			io.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			io.Println("project_config=" + cfg.Sources.Project)
		}
	}
}
