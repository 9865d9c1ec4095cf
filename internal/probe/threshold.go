package probe

import (
	"fmt"
	"sync/atomic"

	"syncprobe/internal/cell"
	"syncprobe/internal/host"
)

// ThresholdResult is what [RWLockThreshold] observed.
type ThresholdResult struct {
	// Final is the counter read by the orchestrator after the writers joined.
	Final int

	// Observations are the poller's reads in order. The last one is N.
	Observations []int

	// Polls counts poller reads that found the counter below N.
	Polls int
}

// RWLockThreshold runs the increment-and-poll choreography.
//
// Writers each take exclusive access once and add one. The poller takes
// shared access, reads, and stops once it reads N. It may skip values; it
// must never see the counter go down.
//
// Only the orchestrator's own read after joining the writers decides the
// counter outcome. The poller is joined afterwards so it does not outlive the
// probe, and its observations are then checked for monotonicity.
func RWLockThreshold(env Env, cfg Config) (ThresholdResult, error) {
	const name = "rwlock"

	var res ThresholdResult

	if err := cfg.Validate(); err != nil {
		return res, err
	}

	target := cfg.Workers
	counter := cell.NewRWMutex(0, env.Flavor.NewRWMutex())

	env.Out.Print("RwLock:")

	var hold *cell.Guard[int]

	err := step(name, "initial hold", func() (err error) {
		hold, err = counter.Lock()

		return err
	})
	if err != nil {
		return res, err
	}

	writers := make([]*host.Handle, 0, target)
	for idx := 0; idx < target; idx++ {
		idx := idx
		writers = append(writers, host.Spawn(fmt.Sprintf("rwlock-writer-%d", idx), func() error {
			host.Sleep(staggered(idx, cfg))

			return counter.Do(func(v *int) { *v++ })
		}))
	}

	var (
		observations []int
		polls        int
		stop         atomic.Bool
	)

	poller := host.Spawn("rwlock-poller", func() error {
		for !stop.Load() {
			done, err := poll(env, counter, target, &observations)
			if err != nil {
				return err
			}

			if done {
				return nil
			}

			polls++
			host.Sleep(cfg.PollInterval)
		}

		return nil
	})

	// On failure the counter may never reach the target, so the poller is
	// told to stop before it is joined.
	abandon := func() {
		stop.Store(true)
		_ = poller.Join()
	}

	err = step(name, "release hold", func() error {
		hold.Unlock()

		return nil
	})
	if err != nil {
		_ = host.JoinAll(writers)
		abandon()

		return res, err
	}

	if err := host.JoinAll(writers); err != nil {
		abandon()

		return res, fail(name, "writer", err)
	}

	err = step(name, "final read", func() (err error) {
		res.Final, err = counter.Load()

		return err
	})
	if err != nil {
		abandon()

		return res, err
	}

	env.Out.Printf(" done (%d)\n", res.Final)

	if res.Final != target {
		abandon()

		return res, assertionf(name, "counter equals writer count", "got %d, want %d", res.Final, target)
	}

	if err := poller.Join(); err != nil {
		return res, fail(name, "poller", err)
	}

	res.Observations = observations
	res.Polls = polls

	return res, checkObservations(name, observations, target)
}

// poll reads the counter once under shared access and appends it to obs.
// It reports whether the target was reached.
func poll(env Env, counter *cell.RWMutex[int], target int, obs *[]int) (bool, error) {
	g, err := counter.RLock()
	if err != nil {
		return false, err
	}
	defer g.RUnlock()

	v := g.Value()
	*obs = append(*obs, v)

	if v == target {
		return true, nil
	}

	env.Out.Print(" ", v)

	return false, nil
}

func checkObservations(name string, obs []int, target int) error {
	if len(obs) == 0 || obs[len(obs)-1] != target {
		return assertionf(name, "poller ends at writer count", "observations %v, want last %d", obs, target)
	}

	for i := 1; i < len(obs); i++ {
		if obs[i] < obs[i-1] {
			return assertionf(name, "poller observations non-decreasing", "observation %d is %d after %d", i, obs[i], obs[i-1])
		}
	}

	for i, v := range obs {
		if v < 0 || v > target {
			return assertionf(name, "poller observations in range", "observation %d is %d, want 0..%d", i, v, target)
		}
	}

	return nil
}
