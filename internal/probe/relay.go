package probe

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"syncprobe/internal/cell"
	"syncprobe/internal/host"
)

// RelayResult is what [MutexRelay] observed.
type RelayResult struct {
	// Final is the baton value after all workers joined.
	Final int

	// Turns lists worker indexes in the order they took their turn.
	Turns []int

	// Retries counts acquisitions that found it was not the worker's turn.
	Retries int
}

var errRelayAborted = errors.New("relay aborted by failed worker")

type baton struct {
	next  int
	turns []int
}

// MutexRelay runs the baton relay.
//
// The orchestrator takes the lock before spawning so no worker can move until
// all exist. Worker i waits i*Stagger, then repeatedly locks and checks the
// baton: on its own index it records the turn and increments, otherwise it
// unlocks and backs off. The backoff loop is what orders the workers; the
// stagger only makes the order likely.
func MutexRelay(env Env, cfg Config) (RelayResult, error) {
	const name = "mutex"

	var res RelayResult

	if err := cfg.Validate(); err != nil {
		return res, err
	}

	relay := cell.NewMutex(baton{}, env.Flavor.NewMutex())

	env.Out.Print("Mutex: ")

	var hold *cell.Guard[baton]

	err := step(name, "initial hold", func() (err error) {
		hold, err = relay.Lock()

		return err
	})
	if err != nil {
		return res, err
	}

	hold.Value().next = 0

	var (
		retries atomic.Int64
		abort   atomic.Bool
	)

	handles := make([]*host.Handle, 0, cfg.Workers)
	for idx := 0; idx < cfg.Workers; idx++ {
		idx := idx
		handles = append(handles, host.Spawn(fmt.Sprintf("mutex-%d", idx), func() error {
			// A worker that fails or panics never passes the baton on, so the
			// ones behind it must stop spinning.
			ok := false
			defer func() {
				if !ok {
					abort.Store(true)
				}
			}()

			host.Sleep(staggered(idx, cfg))

			err := runLeg(relay, idx, cfg, &retries, &abort)
			ok = err == nil

			return err
		}))
	}

	err = step(name, "release hold", func() error {
		hold.Unlock()

		return nil
	})
	if err != nil {
		abort.Store(true)
		_ = host.JoinAll(handles)

		return res, err
	}

	if err := host.JoinAll(handles); err != nil {
		return res, fail(name, "worker", firstCause(handles, err))
	}

	err = step(name, "final read", func() error {
		return relay.Do(func(b *baton) {
			res.Final = b.next
			res.Turns = slices.Clone(b.turns)
		})
	})
	if err != nil {
		return res, err
	}

	res.Retries = int(retries.Load())

	env.Out.Printf("done (%d)\n", res.Final)

	if res.Final != cfg.Workers {
		return res, assertionf(name, "baton equals worker count", "got %d, want %d", res.Final, cfg.Workers)
	}

	for i, turn := range res.Turns {
		if turn != i {
			return res, assertionf(name, "turns in index order", "turn %d taken by worker %d (turns %v)", i, turn, res.Turns)
		}
	}

	return res, nil
}

// runLeg spins until worker idx has taken its turn, or until abort is set.
func runLeg(relay *cell.Mutex[baton], idx int, cfg Config, retries *atomic.Int64, abort *atomic.Bool) error {
	for {
		if abort.Load() {
			return fmt.Errorf("worker %d: %w", idx, errRelayAborted)
		}

		done, err := takeTurn(relay, idx)
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		retries.Add(1)

		if cfg.Backoff > 0 {
			host.Sleep(cfg.Backoff)
		} else {
			host.Yield()
		}
	}
}

// firstCause picks the failure that made the others abort.
func firstCause(handles []*host.Handle, err error) error {
	for _, h := range handles {
		if herr := h.Join(); herr != nil && !errors.Is(herr, errRelayAborted) {
			return herr
		}
	}

	return err
}

func takeTurn(relay *cell.Mutex[baton], idx int) (bool, error) {
	g, err := relay.Lock()
	if err != nil {
		return false, err
	}
	defer g.Unlock()

	b := g.Value()
	if b.next != idx {
		return false, nil
	}

	b.turns = append(b.turns, idx)
	b.next++

	return true, nil
}
