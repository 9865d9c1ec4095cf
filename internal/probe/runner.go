package probe

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Report is the outcome of one probe invocation.
type Report struct {
	RunID     string `json:"run_id"`
	Probe     string `json:"probe"`
	Flavor    string `json:"flavor"`
	Iteration int    `json:"iteration"`
	Workers   int    `json:"workers"`

	// Expected is the final value the probe asserts on: the baton, the
	// counter or the number of woken waiters.
	Expected int  `json:"expected"`
	Final    int  `json:"final"`
	Passed   bool `json:"passed"`

	Duration time.Duration `json:"duration_ns"`

	Turns           []int `json:"turns,omitempty"`
	Retries         int   `json:"retries,omitempty"`
	Observations    []int `json:"observations,omitempty"`
	Polls           int   `json:"polls,omitempty"`
	SpuriousWakeups int   `json:"spurious_wakeups,omitempty"`
	WakeOrder       []int `json:"wake_order,omitempty"`

	Error string `json:"error,omitempty"`
}

type runFunc func(env Env, cfg Config, rep *Report) error

type entry struct {
	name    string
	summary string
	run     runFunc
}

var probes = []entry{
	{"mutex", "baton relay through a mutual-exclusion lock", runRelay},
	{"rwlock", "writers increment while a reader polls under shared access", runThreshold},
	{"condvar", "waiters survive a spurious wakeup on a condition variable", runWakeup},
}

// Names returns the probe names in the order [RunAll] runs them by default.
func Names() []string {
	names := make([]string, 0, len(probes))
	for _, p := range probes {
		names = append(names, p.name)
	}

	return names
}

// Summary returns a one-line description of the named probe, or "" if there
// is no such probe.
func Summary(name string) string {
	for _, p := range probes {
		if p.name == name {
			return p.summary
		}
	}

	return ""
}

func lookup(name string) (runFunc, error) {
	for _, p := range probes {
		if p.name == name {
			return p.run, nil
		}
	}

	return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownProbe, name, Names())
}

// Run invokes one probe and describes the outcome in a [Report]. The returned
// error is the probe's error; the report carries its text as well.
func Run(env Env, name string, cfg Config) (Report, error) {
	run, err := lookup(name)
	if err != nil {
		return Report{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}

	rep := Report{
		RunID:    env.RunID,
		Probe:    name,
		Flavor:   env.Flavor.Name(),
		Workers:  cfg.Workers,
		Expected: cfg.Workers,
	}
	if rep.RunID == "" {
		rep.RunID = uuid.NewString()
	}

	if env.Started != nil {
		env.Started(name)
	}

	start := time.Now()
	err = run(env, cfg, &rep)
	rep.Duration = time.Since(start)
	rep.Passed = err == nil

	if err != nil {
		rep.Error = err.Error()
	}

	return rep, err
}

// RunAll runs the named probes in order, repeat times over. All reports share
// one run id. It stops at the first failure and returns the reports collected
// so far, the failing one included.
func RunAll(env Env, names []string, cfg Config, repeat int) ([]Report, error) {
	if repeat < 1 {
		return nil, fmt.Errorf("%w: repeat must be >= 1, got %d", ErrInvalidConfig, repeat)
	}

	for _, name := range names {
		if _, err := lookup(name); err != nil {
			return nil, err
		}
	}

	if env.RunID == "" {
		env.RunID = uuid.NewString()
	}

	reports := make([]Report, 0, len(names)*repeat)

	for iter := 1; iter <= repeat; iter++ {
		for _, name := range names {
			rep, err := Run(env, name, cfg)
			rep.Iteration = iter
			reports = append(reports, rep)

			if err != nil {
				return reports, err
			}
		}
	}

	return reports, nil
}

func runRelay(env Env, cfg Config, rep *Report) error {
	res, err := MutexRelay(env, cfg)
	rep.Final = res.Final
	rep.Turns = res.Turns
	rep.Retries = res.Retries

	return err
}

func runThreshold(env Env, cfg Config, rep *Report) error {
	res, err := RWLockThreshold(env, cfg)
	rep.Final = res.Final
	rep.Observations = res.Observations
	rep.Polls = res.Polls

	return err
}

func runWakeup(env Env, cfg Config, rep *Report) error {
	res, err := CondvarWakeup(env, cfg)
	rep.Final = res.Woken
	rep.SpuriousWakeups = res.SpuriousWakeups
	rep.WakeOrder = res.Order

	return err
}
