package probe

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncprobe/internal/console"
	"syncprobe/internal/flavor"
	"syncprobe/internal/host"
)

// fastConfig keeps the reference choreography but shrinks every delay so the
// suite stays quick across all flavors.
func fastConfig() Config {
	return Config{
		Workers:      16,
		Stagger:      2 * time.Millisecond,
		Backoff:      time.Millisecond,
		PollInterval: time.Millisecond,
		Settle:       20 * time.Millisecond,
		Spurious:     true,
	}
}

func zeroDelayConfig(workers int) Config {
	return Config{Workers: workers, Spurious: true}
}

func testEnv(t *testing.T, name string) (Env, *bytes.Buffer) {
	t.Helper()

	fl, err := flavor.Open(name, flavor.Options{LockDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, fl.Close()) })

	var out bytes.Buffer

	return Env{Flavor: fl, Out: console.New(&out)}, &out
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}

	return out
}

func Test_MutexRelay_Passes_Baton_In_Index_Order_When_Run_On_Every_Flavor(t *testing.T) {
	t.Parallel()

	for _, name := range flavor.Names() {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			env, out := testEnv(t, name)

			res, err := MutexRelay(env, fastConfig())
			require.NoError(t, err)

			assert.Equal(t, 16, res.Final)

			if diff := cmp.Diff(indexes(16), res.Turns); diff != "" {
				t.Fatalf("turns mismatch (-want +got):\n%s", diff)
			}

			assert.Equal(t, "Mutex: done (16)\n", out.String())
		})
	}
}

func Test_MutexRelay_Keeps_Order_When_Stagger_And_Backoff_Are_Zero(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, "std")

	res, err := MutexRelay(env, zeroDelayConfig(16))
	require.NoError(t, err)

	assert.Equal(t, 16, res.Final)
	assert.Equal(t, indexes(16), res.Turns)
}

func Test_MutexRelay_Completes_When_Single_Worker(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, "std")

	res, err := MutexRelay(env, zeroDelayConfig(1))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Final)
	assert.Equal(t, []int{0}, res.Turns)
	assert.Zero(t, res.Retries)
}

func Test_RWLockThreshold_Ends_At_Writer_Count_When_Run_On_Every_Flavor(t *testing.T) {
	t.Parallel()

	for _, name := range flavor.Names() {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			env, out := testEnv(t, name)

			res, err := RWLockThreshold(env, fastConfig())
			require.NoError(t, err)

			assert.Equal(t, 16, res.Final)
			require.NotEmpty(t, res.Observations)
			assert.Equal(t, 16, res.Observations[len(res.Observations)-1])
			assert.IsNonDecreasing(t, res.Observations)

			text := out.String()
			assert.True(t, strings.HasPrefix(text, "RwLock:"), text)
			assert.True(t, strings.HasSuffix(text, " done (16)\n"), text)
		})
	}
}

func Test_RWLockThreshold_Completes_When_Delays_Are_Zero(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, "std")

	res, err := RWLockThreshold(env, zeroDelayConfig(16))
	require.NoError(t, err)

	assert.Equal(t, 16, res.Final)
	assert.IsNonDecreasing(t, res.Observations)
}

func Test_CheckObservations_Fails_When_Counter_Goes_Down(t *testing.T) {
	t.Parallel()

	err := checkObservations("rwlock", []int{0, 3, 2, 4}, 4)
	require.ErrorIs(t, err, ErrAssertionFailed)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "rwlock", perr.Probe)
	assert.Equal(t, "poller observations non-decreasing", perr.Invariant)
}

func Test_CheckObservations_Fails_When_Last_Observation_Is_Not_Target(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, checkObservations("rwlock", []int{0, 1}, 4), ErrAssertionFailed)
	require.ErrorIs(t, checkObservations("rwlock", nil, 4), ErrAssertionFailed)
	require.NoError(t, checkObservations("rwlock", []int{0, 0, 2, 4}, 4))
}

func Test_CondvarWakeup_Wakes_Every_Waiter_Once_When_Run_On_Every_Flavor(t *testing.T) {
	t.Parallel()

	for _, name := range flavor.Names() {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			env, out := testEnv(t, name)

			res, err := CondvarWakeup(env, fastConfig())
			require.NoError(t, err)

			assert.Zero(t, res.EarlyCompletions)
			assert.Equal(t, 16, res.Woken)
			assert.ElementsMatch(t, indexes(16), res.Order)

			text := out.String()
			assert.True(t, strings.HasPrefix(text, "Condvar: starting threads\n"), text)
			assert.Contains(t, text, "  causing a spurious wakeup...\n")
			assert.Contains(t, text, "  proper wakeup...\n")
			assert.Equal(t, 16, strings.Count(text, " woke up\n"))
		})
	}
}

func Test_CondvarWakeup_Survives_Spurious_Notify_When_Reference_Timings_Are_Used(t *testing.T) {
	t.Parallel()

	env, out := testEnv(t, "std")

	cfg := DefaultConfig()

	start := time.Now()
	res, err := CondvarWakeup(env, cfg)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 2*cfg.Settle)
	assert.Zero(t, res.EarlyCompletions)
	assert.Equal(t, 16, res.Woken)
	assert.Positive(t, res.SpuriousWakeups, "waiters blocked for 100ms must see the early broadcast")

	text := out.String()
	assert.Less(t, strings.Index(text, "spurious"), strings.Index(text, "proper"))
	assert.Less(t, strings.Index(text, "proper"), strings.Index(text, "woke up"))
}

func Test_CondvarWakeup_Reports_No_Spurious_Wakeups_When_Spurious_Notify_Disabled(t *testing.T) {
	t.Parallel()

	env, out := testEnv(t, "std")

	cfg := fastConfig()
	cfg.Spurious = false

	res, err := CondvarWakeup(env, cfg)
	require.NoError(t, err)

	assert.Zero(t, res.SpuriousWakeups)
	assert.Equal(t, 16, res.Woken)
	assert.NotContains(t, out.String(), "spurious")
}

func Test_Probes_Complete_Immediately_When_No_Workers(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, "std")

	cfg := DefaultConfig()
	cfg.Workers = 0

	start := time.Now()

	relay, err := MutexRelay(env, cfg)
	require.NoError(t, err)
	assert.Zero(t, relay.Final)
	assert.Empty(t, relay.Turns)

	threshold, err := RWLockThreshold(env, cfg)
	require.NoError(t, err)
	assert.Zero(t, threshold.Final)
	assert.Equal(t, []int{0}, threshold.Observations)

	wakeup, err := CondvarWakeup(env, cfg)
	require.NoError(t, err)
	assert.Zero(t, wakeup.Woken)

	assert.Less(t, time.Since(start), cfg.Settle)
}

func Test_Probes_Return_ErrInvalidConfig_When_Workers_Negative(t *testing.T) {
	t.Parallel()

	env, _ := testEnv(t, "std")

	cfg := fastConfig()
	cfg.Workers = -1

	_, err := MutexRelay(env, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = RWLockThreshold(env, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = CondvarWakeup(env, cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func Test_Config_Validate_Rejects_Negative_Durations(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.PollInterval = -time.Millisecond

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "poll_interval")

	require.NoError(t, DefaultConfig().Validate())
}

// faultyFlavor is std with locks that panic on one chosen Lock call,
// standing in for a broken primitive implementation. Mutex and RWMutex Lock
// calls share one counter.
type faultyFlavor struct {
	flavor.Std

	calls   atomic.Int32
	panicAt int32
}

func (f *faultyFlavor) Name() string { return "faulty" }

func (f *faultyFlavor) NewMutex() sync.Locker {
	return &faultyMutex{owner: f}
}

type faultyMutex struct {
	sync.Mutex

	owner *faultyFlavor
}

func (m *faultyMutex) Lock() {
	m.owner.maybePanic()
	m.Mutex.Lock()
}

func (f *faultyFlavor) NewRWMutex() flavor.RWLocker {
	return &faultyRWMutex{owner: f}
}

type faultyRWMutex struct {
	sync.RWMutex

	owner *faultyFlavor
}

func (rw *faultyRWMutex) Lock() {
	rw.owner.maybePanic()
	rw.RWMutex.Lock()
}

func (f *faultyFlavor) maybePanic() {
	if f.calls.Add(1) == f.panicAt {
		panic("injected lock failure")
	}
}

func requireProbeError(t *testing.T, err error, probe, invariant string) {
	t.Helper()

	var perr *Error
	require.True(t, errors.As(err, &perr), "want *Error, got %v", err)
	assert.Equal(t, probe, perr.Probe)
	assert.Equal(t, invariant, perr.Invariant)
}

func Test_MutexRelay_Returns_ThreadPanicked_When_Initial_Hold_Panics(t *testing.T) {
	t.Parallel()

	env := Env{Flavor: &faultyFlavor{panicAt: 1}}

	var (
		res RelayResult
		err error
	)

	require.NotPanics(t, func() { res, err = MutexRelay(env, zeroDelayConfig(3)) })
	require.ErrorIs(t, err, host.ErrThreadPanicked)
	requireProbeError(t, err, "mutex", "initial hold")

	var panicErr *host.PanicError
	require.True(t, errors.As(err, &panicErr))
	assert.Equal(t, "mutex-orchestrator", panicErr.Name)
	assert.Equal(t, "injected lock failure", panicErr.Value)
	assert.Zero(t, res.Final)
}

func Test_RWLockThreshold_Returns_ThreadPanicked_When_Initial_Hold_Panics(t *testing.T) {
	t.Parallel()

	env := Env{Flavor: &faultyFlavor{panicAt: 1}}

	_, err := RWLockThreshold(env, zeroDelayConfig(3))
	require.ErrorIs(t, err, host.ErrThreadPanicked)
	requireProbeError(t, err, "rwlock", "initial hold")
}

// The tests below compare host.Live before and after a run, so they must not
// run alongside the parallel tests of this package.

func Test_RWLockThreshold_Stops_Poller_When_Writer_Panics(t *testing.T) {
	before := host.Live()

	// Call 1 is the orchestrator's initial hold; call 3 is a writer. The
	// counter never reaches the target, so only the stop flag ends the poller.
	env := Env{Flavor: &faultyFlavor{panicAt: 3}}

	_, err := RWLockThreshold(env, zeroDelayConfig(4))
	require.ErrorIs(t, err, host.ErrThreadPanicked)
	requireProbeError(t, err, "rwlock", "writer")

	assert.Equal(t, before, host.Live(), "poller or writers still running")
}

func Test_CondvarWakeup_Releases_Waiters_When_Setting_Ready_Panics(t *testing.T) {
	before := host.Live()

	// Calls 1-3 are the waiters' first Lock; with no early notify they stay
	// blocked, and call 4 is the orchestrator setting the flag.
	env := Env{Flavor: &faultyFlavor{panicAt: 4}}

	cfg := zeroDelayConfig(3)
	cfg.Settle = 50 * time.Millisecond
	cfg.Spurious = false

	var (
		res WakeupResult
		err error
	)

	require.NotPanics(t, func() { res, err = CondvarWakeup(env, cfg) })
	require.ErrorIs(t, err, host.ErrThreadPanicked)
	requireProbeError(t, err, "condvar", "set ready")
	assert.Zero(t, res.Woken)

	assert.Equal(t, before, host.Live(), "waiters still blocked")
}

func Test_Probes_Leave_No_Live_Workers_When_They_Pass_Or_Fail(t *testing.T) {
	tests := []struct {
		name    string
		fl      flavor.Flavor
		run     func(Env, Config) error
		wantErr bool
	}{
		{name: "mutex passes", fl: flavor.Std{}, run: runMutex},
		{name: "rwlock passes", fl: flavor.Std{}, run: runRWLock},
		{name: "condvar passes", fl: flavor.Std{}, run: runCondvar},
		{name: "mutex worker panics", fl: &faultyFlavor{panicAt: 2}, run: runMutex, wantErr: true},
		{name: "rwlock writer panics", fl: &faultyFlavor{panicAt: 2}, run: runRWLock, wantErr: true},
		{name: "condvar waiter panics", fl: &faultyFlavor{panicAt: 1}, run: runCondvar, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			before := host.Live()

			cfg := zeroDelayConfig(8)
			cfg.Settle = 5 * time.Millisecond

			err := tt.run(Env{Flavor: tt.fl}, cfg)
			if tt.wantErr {
				require.ErrorIs(t, err, host.ErrThreadPanicked)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, before, host.Live())
		})
	}
}

func runMutex(env Env, cfg Config) error {
	_, err := MutexRelay(env, cfg)

	return err
}

func runRWLock(env Env, cfg Config) error {
	_, err := RWLockThreshold(env, cfg)

	return err
}

func runCondvar(env Env, cfg Config) error {
	_, err := CondvarWakeup(env, cfg)

	return err
}

func Test_MutexRelay_Returns_ThreadPanicked_When_Worker_Lock_Panics(t *testing.T) {
	t.Parallel()

	// Call 1 is the orchestrator's initial hold; call 2 is a worker.
	env := Env{Flavor: &faultyFlavor{panicAt: 2}}

	_, err := MutexRelay(env, zeroDelayConfig(4))
	require.ErrorIs(t, err, host.ErrThreadPanicked)
	assert.NotErrorIs(t, err, ErrAssertionFailed)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "mutex", perr.Probe)
	assert.Equal(t, "worker", perr.Invariant)
}

func Test_CondvarWakeup_Returns_ThreadPanicked_When_Waiter_Lock_Panics(t *testing.T) {
	t.Parallel()

	env := Env{Flavor: &faultyFlavor{panicAt: 1}}

	cfg := fastConfig()
	cfg.Workers = 3

	res, err := CondvarWakeup(env, cfg)
	require.ErrorIs(t, err, host.ErrThreadPanicked)
	assert.Zero(t, res.EarlyCompletions)
}

func Test_Error_Message_Names_Probe_And_Invariant(t *testing.T) {
	t.Parallel()

	err := assertionf("mutex", "baton equals worker count", "got %d, want %d", 15, 16)

	assert.Equal(t, "mutex probe: baton equals worker count: assertion failed: got 15, want 16", err.Error())
	require.ErrorIs(t, err, ErrAssertionFailed)
}
