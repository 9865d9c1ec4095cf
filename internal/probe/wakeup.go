package probe

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"syncprobe/internal/cell"
	"syncprobe/internal/flavor"
	"syncprobe/internal/host"
)

// WakeupResult is what [CondvarWakeup] observed.
type WakeupResult struct {
	// Woken counts waiters that passed their predicate loop.
	Woken int

	// EarlyCompletions counts waiters that had passed before the predicate
	// was set. Anything but zero is a failure.
	EarlyCompletions int

	// SpuriousWakeups counts returns from Wait that found the predicate still
	// false, summed over all waiters.
	SpuriousWakeups int

	// Order lists waiter indexes in the order they passed.
	Order []int
}

var errWakeupAborted = errors.New("wakeup aborted by orchestrator")

type wakeState struct {
	ready    bool
	woken    int
	spurious int
	order    []int
}

// CondvarWakeup runs the spurious-wakeup probe.
//
// N waiters block on a condition variable until a ready flag is set. After a
// settle delay the orchestrator notifies everyone with the flag still false;
// every waiter must go back to waiting. After a second delay it sets the flag
// under the lock and notifies again, and every waiter must proceed.
//
// The delays only make it likely that all waiters are blocked when each
// notify happens. A waiter that arrives late sees the flag already set and
// never waits at all, which is correct behaviour.
func CondvarWakeup(env Env, cfg Config) (WakeupResult, error) {
	const name = "condvar"

	var res WakeupResult

	if err := cfg.Validate(); err != nil {
		return res, err
	}

	mu := env.Flavor.NewMutex()
	state := cell.NewMutex(wakeState{}, mu)
	cond := env.Flavor.NewCond(mu)

	env.Out.Println("Condvar: starting threads")

	var abort atomic.Bool

	waiters := make([]*host.Handle, 0, cfg.Workers)
	for idx := 0; idx < cfg.Workers; idx++ {
		idx := idx
		waiters = append(waiters, host.Spawn(fmt.Sprintf("condvar-%d", idx), func() error {
			return await(env, state, cond, &abort, idx)
		}))
	}

	if cfg.Workers > 0 {
		host.Sleep(cfg.Settle)

		if cfg.Spurious {
			env.Out.Println("  causing a spurious wakeup...")
			cond.Broadcast()
		}

		host.Sleep(cfg.Settle)
	}

	env.Out.Println("  proper wakeup...")

	err := step(name, "set ready", func() error {
		return state.Do(func(s *wakeState) {
			res.EarlyCompletions = s.woken
			s.ready = true
		})
	})
	if err != nil {
		abort.Store(true)
		release(cond, waiters)

		return res, err
	}

	cond.Broadcast()

	if err := host.JoinAll(waiters); err != nil {
		return res, fail(name, "waiter", err)
	}

	err = step(name, "final read", func() error {
		return state.Do(func(s *wakeState) {
			res.Woken = s.woken
			res.SpuriousWakeups = s.spurious
			res.Order = append([]int(nil), s.order...)
		})
	})
	if err != nil {
		return res, err
	}

	if res.EarlyCompletions != 0 {
		return res, assertionf(name, "no waiter passes before ready", "%d waiters passed early", res.EarlyCompletions)
	}

	if res.Woken != cfg.Workers {
		return res, assertionf(name, "every waiter woke", "got %d, want %d", res.Woken, cfg.Workers)
	}

	return res, nil
}

// release wakes the waiters of an abandoned run until all of them have
// exited. The ready flag was never set, so a single notify can race with a
// waiter that is just about to block.
func release(cond flavor.Cond, waiters []*host.Handle) {
	joined := host.Spawn("condvar-release", func() error {
		_ = host.JoinAll(waiters)

		return nil
	})

	for {
		cond.Broadcast()

		select {
		case <-joined.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// await blocks waiter idx until the ready flag is set, or until abort is set.
func await(env Env, state *cell.Mutex[wakeState], cond flavor.Cond, abort *atomic.Bool, idx int) error {
	g, err := state.Lock()
	if err != nil {
		return err
	}
	defer g.Unlock()

	for !g.Value().ready {
		if abort.Load() {
			return fmt.Errorf("waiter %d: %w", idx, errWakeupAborted)
		}

		if err := g.Wait(cond); err != nil {
			return err
		}

		if !g.Value().ready {
			g.Value().spurious++
		}
	}

	s := g.Value()
	s.woken++
	s.order = append(s.order, idx)

	env.Out.Printf("    %2d woke up\n", idx)

	return nil
}
