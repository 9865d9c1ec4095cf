// Package probe runs the three thread choreographies against a lock flavor.
//
//   - [MutexRelay]: N workers pass a baton strictly in index order through a
//     mutual-exclusion lock.
//   - [RWLockThreshold]: N writers increment a counter once each while a
//     dedicated reader polls it under shared access until it reaches N.
//   - [CondvarWakeup]: N waiters block on a condition variable, survive a
//     wakeup with the predicate still false, and all proceed after the real
//     one.
//
// Each probe creates its own state, joins every goroutine it started and
// returns a nil error only if its final-state assertions hold. Probes have no
// internal timeout; a broken primitive can make a probe hang, and the caller
// is expected to run a watchdog.
package probe

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"syncprobe/internal/console"
	"syncprobe/internal/flavor"
	"syncprobe/internal/host"
)

var (
	// ErrAssertionFailed is matched by errors for a final-state check that
	// did not hold.
	ErrAssertionFailed = errors.New("assertion failed")

	// ErrInvalidConfig is returned for a [Config] that cannot be run.
	ErrInvalidConfig = errors.New("invalid probe config")

	// ErrUnknownProbe is returned by [Run] for names not in [Names].
	ErrUnknownProbe = errors.New("unknown probe")
)

// Error locates a failure: which probe, and which invariant or step.
type Error struct {
	Probe     string
	Invariant string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s probe: %s: %v", e.Probe, e.Invariant, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(probe, invariant string, err error) error {
	return &Error{Probe: probe, Invariant: invariant, Err: err}
}

// step runs one orchestrator step of probe. An error or a panic from a broken
// primitive comes back as a failure of that step; a panic is wrapped in a
// [host.PanicError] like a worker's would be.
func step(probe, invariant string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fail(probe, invariant, &host.PanicError{Name: probe + "-orchestrator", Value: r, Stack: debug.Stack()})
		}
	}()

	if err := fn(); err != nil {
		return fail(probe, invariant, err)
	}

	return nil
}

func assertionf(probe, invariant, format string, args ...any) error {
	return fail(probe, invariant, fmt.Errorf("%w: "+format, append([]any{ErrAssertionFailed}, args...)...))
}

// Env is what a probe runs against.
type Env struct {
	Flavor flavor.Flavor

	// Out receives progress lines. Nil discards them.
	Out *console.Sink

	// RunID is copied into reports. [Run] generates one when empty.
	RunID string

	// Started, if set, is called by [Run] before the probe begins.
	Started func(probe string)
}

// Config holds the choreography parameters. Delays only bias scheduling;
// every probe must pass with all of them set to zero.
type Config struct {
	// Workers is N: relay workers, threshold writers or condvar waiters.
	Workers int

	// Stagger delays worker i by i*Stagger before it starts.
	Stagger time.Duration

	// Backoff is how long a relay worker sleeps after finding it is not its
	// turn. Zero yields instead.
	Backoff time.Duration

	// PollInterval is the threshold poller's sleep between reads.
	PollInterval time.Duration

	// Settle is how long the condvar orchestrator waits before each notify.
	Settle time.Duration

	// Spurious enables the notify issued while the predicate is still false.
	Spurious bool
}

// DefaultConfig returns the timings of the reference choreography.
func DefaultConfig() Config {
	return Config{
		Workers:      16,
		Stagger:      100 * time.Millisecond,
		Backoff:      100 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
		Settle:       100 * time.Millisecond,
		Spurious:     true,
	}
}

// Validate reports whether cfg can be run.
func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0, got %d", ErrInvalidConfig, c.Workers)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"stagger", c.Stagger},
		{"backoff", c.Backoff},
		{"poll_interval", c.PollInterval},
		{"settle", c.Settle},
	}

	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%w: %s must be >= 0, got %s", ErrInvalidConfig, d.name, d.d)
		}
	}

	return nil
}

func staggered(idx int, cfg Config) time.Duration {
	return time.Duration(idx) * cfg.Stagger
}
