package flavor

import (
	"sync"

	deadlock "github.com/sasha-s/go-deadlock"
)

// Deadlock wraps github.com/sasha-s/go-deadlock. Acquisitions that wait
// longer than the configured timeout, or that invert a previously seen lock
// order, are reported by the library and terminate the process.
type Deadlock struct{}

var deadlockOptsOnce sync.Once

// openDeadlock applies opts to the process-wide go-deadlock options. The
// library reads its options without synchronization, so only the first
// non-zero timeout is applied.
func openDeadlock(opts Options) (Flavor, error) {
	if opts.DeadlockTimeout > 0 {
		deadlockOptsOnce.Do(func() {
			deadlock.Opts.DeadlockTimeout = opts.DeadlockTimeout
		})
	}

	return Deadlock{}, nil
}

func (Deadlock) Name() string               { return "deadlock" }
func (Deadlock) NewMutex() sync.Locker      { return &deadlock.Mutex{} }
func (Deadlock) NewRWMutex() RWLocker       { return &deadlock.RWMutex{} }
func (Deadlock) NewCond(l sync.Locker) Cond { return sync.NewCond(l) }
func (Deadlock) Close() error               { return nil }
