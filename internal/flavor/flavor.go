// Package flavor provides the lock implementations the probes run against.
//
// A [Flavor] is a factory for the three primitives a runtime has to supply:
// a mutual-exclusion lock, a shared/exclusive lock and a condition variable.
// The harness never touches [sync] directly; everything goes through the
// flavor selected for the run, so a re-implemented primitive can be dropped
// in and exercised by the same choreographies.
//
// Available flavors:
//   - "std": [sync.Mutex], [sync.RWMutex], [sync.Cond]
//   - "deadlock": github.com/sasha-s/go-deadlock with lock-order checking
//   - "chan": channel-only implementations
//   - "flock": advisory file locks (Unix only)
package flavor

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"syncprobe/internal/fs"
)

// ErrUnknownFlavor is returned by [Open] for names that are not registered.
var ErrUnknownFlavor = errors.New("unknown flavor")

// RWLocker is a shared/exclusive lock. Lock/Unlock take exclusive access,
// RLock/RUnlock take shared access.
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// Cond is a condition variable bound to a [sync.Locker] at construction.
//
// Wait must be called with the locker held. It releases the locker and
// suspends atomically, and holds the locker again when it returns.
type Cond interface {
	Wait()
	Signal()
	Broadcast()
}

// Flavor creates primitives of one implementation family.
type Flavor interface {
	Name() string
	NewMutex() sync.Locker
	NewRWMutex() RWLocker
	NewCond(l sync.Locker) Cond

	// Close releases resources owned by the flavor. Primitives created by
	// the flavor must not be used afterwards.
	Close() error
}

// Options configures flavors that need external resources.
type Options struct {
	// LockDir is the parent directory for lock files of the "flock" flavor.
	// Empty means the system temp directory.
	LockDir string

	// FS is the filesystem the "flock" flavor creates lock files on. Nil
	// means the real filesystem.
	FS fs.FS

	// DeadlockTimeout is how long a "deadlock" flavor lock may be waited on
	// before go-deadlock reports it. Zero keeps the library default.
	DeadlockTimeout time.Duration
}

type opener func(opts Options) (Flavor, error)

var registry = map[string]opener{
	"std":      func(Options) (Flavor, error) { return Std{}, nil },
	"deadlock": openDeadlock,
	"chan":     func(Options) (Flavor, error) { return Chan{}, nil },
}

// Names returns the registered flavor names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Open returns the flavor registered under name.
func Open(name string, opts Options) (Flavor, error) {
	open, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (valid: %v)", ErrUnknownFlavor, name, Names())
	}

	return open(opts)
}

// Std uses the standard library primitives.
type Std struct{}

func (Std) Name() string               { return "std" }
func (Std) NewMutex() sync.Locker      { return &sync.Mutex{} }
func (Std) NewRWMutex() RWLocker       { return &sync.RWMutex{} }
func (Std) NewCond(l sync.Locker) Cond { return sync.NewCond(l) }
func (Std) Close() error               { return nil }
