package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"

	"syncprobe/internal/config"
	"syncprobe/internal/console"
	"syncprobe/internal/flavor"
	"syncprobe/internal/fs"
	"syncprobe/internal/host"
	"syncprobe/internal/probe"
)

// ErrWatchdogExpired is returned when a run exceeds its --timeout.
var ErrWatchdogExpired = errors.New("watchdog expired")

var errZeroDelayConflict = errors.New("--zero-delay cannot be combined with explicit delay flags")

// RunCmd returns the run command.
func RunCmd(cfg *config.Config) *Command {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.IntP("workers", "n", 0, "Workers per probe (default from config: 16)")
	flags.StringP("flavor", "f", "", "Lock flavor to probe (see 'syncprobe list')")
	flags.StringSliceP("probe", "p", nil, "Probes to run, in order (default: all)")
	flags.IntP("repeat", "r", 0, "Run the probe sequence this many times")
	flags.Duration("stagger", 0, "Start delay between consecutive workers")
	flags.Duration("backoff", 0, "Relay worker sleep after finding it is not its turn")
	flags.Duration("poll-interval", 0, "Threshold poller sleep between reads")
	flags.Duration("settle", 0, "Condvar delay before each notify")
	flags.Bool("zero-delay", false, "Set every delay to zero")
	flags.Bool("no-spurious", false, "Skip the condvar notify issued while the predicate is false")
	flags.Duration("timeout", 0, "Abort the run if it takes longer (0 disables)")
	flags.String("lock-dir", "", "Parent directory for flock flavor lock files")
	flags.String("report", "", "Write a JSON report of every probe run to `file`")

	return &Command{
		Flags: flags,
		Usage: "run [flags] [probe...]",
		Short: "Run probes against a lock flavor",
		Long: `Run the mutex, rwlock and condvar probes in order against one lock flavor.

Probes may be named as arguments or with --probe. The run stops at the first
failing probe. Exit code is 0 if every probe passed, 1 if one failed or the
watchdog expired, 130 if interrupted.`,
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execRun(ctx, io, *cfg, flags, args)
		},
	}
}

// applyRunFlags overlays explicitly set flags on cfg.
func applyRunFlags(cfg config.Config, flags *flag.FlagSet, args []string) (config.Config, error) {
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}

	if flags.Changed("flavor") {
		cfg.Flavor, _ = flags.GetString("flavor")
	}

	if flags.Changed("probe") {
		cfg.Probes, _ = flags.GetStringSlice("probe")
	}

	if len(args) > 0 {
		cfg.Probes = args
	}

	if flags.Changed("repeat") {
		cfg.Repeat, _ = flags.GetInt("repeat")
	}

	delays := []struct {
		flag string
		dst  *time.Duration
	}{
		{"stagger", &cfg.Stagger},
		{"backoff", &cfg.Backoff},
		{"poll-interval", &cfg.PollInterval},
		{"settle", &cfg.Settle},
	}

	zero, _ := flags.GetBool("zero-delay")

	for _, d := range delays {
		if !flags.Changed(d.flag) {
			if zero {
				*d.dst = 0
			}

			continue
		}

		if zero {
			return config.Config{}, errZeroDelayConflict
		}

		*d.dst, _ = flags.GetDuration(d.flag)
	}

	if noSpurious, _ := flags.GetBool("no-spurious"); noSpurious {
		cfg.Spurious = false
	}

	if flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}

	if flags.Changed("lock-dir") {
		cfg.LockDir, _ = flags.GetString("lock-dir")
	}

	return cfg.Resolve()
}

type runOutcome struct {
	reports []probe.Report
	err     error
}

func execRun(ctx context.Context, io *IO, base config.Config, flags *flag.FlagSet, args []string) error {
	cfg, err := applyRunFlags(base, flags, args)
	if err != nil {
		return err
	}

	reportPath, _ := flags.GetString("report")
	if reportPath != "" && !filepath.IsAbs(reportPath) {
		reportPath = filepath.Join(cfg.EffectiveCwd, reportPath)
	}

	fl, err := flavor.Open(cfg.Flavor, cfg.FlavorOptions())
	if err != nil {
		return err
	}

	sink := console.New(io.Stdout())

	var current atomic.Value
	current.Store("")

	env := probe.Env{
		Flavor:  fl,
		Out:     sink,
		Started: func(name string) { current.Store(name) },
	}

	var res runOutcome

	// A panic that escapes the probes comes back from Join as a
	// *host.PanicError instead of killing the process.
	runner := host.Spawn("run", func() error {
		res.reports, res.err = probe.RunAll(env, cfg.Probes, cfg.Probe(), cfg.Repeat)

		return nil
	})

	var expired <-chan time.Time

	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()

		expired = timer.C
	}

	// On interrupt or watchdog expiry the probe goroutines are abandoned. The
	// flavor stays open because they may still hold its primitives.
	select {
	case <-runner.Done():
		if err := runner.Join(); err != nil {
			res.err = errors.Join(res.err, err)
		}

		return finishRun(io, sink, fl, reportPath, res)

	case <-ctx.Done():
		sink.Detach()

		return fmt.Errorf("%w while running probe %q", ErrInterrupted, current.Load())

	case <-expired:
		sink.Detach()

		return fmt.Errorf("%w: probe %q did not finish within %s (%d goroutines still live)",
			ErrWatchdogExpired, current.Load(), cfg.Timeout, host.Live()-1)
	}
}

func finishRun(io *IO, sink *console.Sink, fl flavor.Flavor, reportPath string, res runOutcome) error {
	var errs []error

	if res.err != nil {
		errs = append(errs, res.err)
	}

	if reportPath != "" && len(res.reports) > 0 {
		if err := writeReport(fs.NewReal(), reportPath, res.reports); err != nil {
			errs = append(errs, err)
		}
	}

	if err := fl.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing flavor %s: %w", fl.Name(), err))
	}

	if err := sink.Err(); err != nil {
		io.Warn("progress output failed: "+err.Error(), "check that stdout is writable")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	io.Printf("ok: %d probe runs passed on flavor %s\n", len(res.reports), fl.Name())

	return nil
}

func writeReport(fsys fs.FS, path string, reports []probe.Report) error {
	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}

	if err := fsys.WriteFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("writing report %s: %w", path, err)
	}

	return nil
}
