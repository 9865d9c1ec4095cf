//go:build unix

package flavor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"syncprobe/internal/fs"
)

func init() {
	registry["flock"] = openFlock
}

// Flock implements the locks with flock(2) on files in a private directory.
// Every acquisition opens its own descriptor, so goroutines contend the same
// way separate processes would.
//
// Lock and Unlock panic on I/O errors; sync.Locker has no error return, and a
// panicking worker is reported as a failed probe.
type Flock struct {
	dir    string
	fsys   fs.FS
	locker *fs.Locker
}

func openFlock(opts Options) (Flavor, error) {
	parent := opts.LockDir
	if parent == "" {
		parent = os.TempDir()
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	dir := filepath.Join(parent, "syncprobe-"+uuid.NewString())

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	return &Flock{dir: dir, fsys: fsys, locker: fs.NewLocker(fsys)}, nil
}

func (f *Flock) Name() string { return "flock" }

// Dir returns the directory holding the lock files.
func (f *Flock) Dir() string { return f.dir }

func (f *Flock) NewMutex() sync.Locker {
	return &flockMutex{locker: f.locker, path: f.newPath()}
}

func (f *Flock) NewRWMutex() RWLocker {
	return &flockRWMutex{flockMutex: flockMutex{locker: f.locker, path: f.newPath()}}
}

func (f *Flock) NewCond(l sync.Locker) Cond { return sync.NewCond(l) }

// Close removes the lock directory.
func (f *Flock) Close() error {
	if err := f.fsys.RemoveAll(f.dir); err != nil {
		return fmt.Errorf("removing lock dir: %w", err)
	}

	return nil
}

func (f *Flock) newPath() string {
	return filepath.Join(f.dir, uuid.NewString()+".lock")
}

// flockMutex remembers the descriptor of the exclusive holder. held is only
// touched by the goroutine that owns the file lock.
type flockMutex struct {
	locker *fs.Locker
	path   string
	held   *fs.Lock
}

func (m *flockMutex) Lock() {
	lk, err := m.locker.Lock(m.path)
	if err != nil {
		panic(fmt.Errorf("flavor: flock lock %s: %w", m.path, err))
	}

	m.held = lk
}

func (m *flockMutex) Unlock() {
	lk := m.held
	if lk == nil {
		panic("flavor: unlock of unlocked flock mutex")
	}

	m.held = nil

	if err := lk.Close(); err != nil {
		panic(fmt.Errorf("flavor: flock unlock %s: %w", m.path, err))
	}
}

// flockRWMutex keeps one descriptor per shared holder. Shared locks are not
// tied to a goroutine, so RUnlock releases any one of them.
type flockRWMutex struct {
	flockMutex

	mu      sync.Mutex
	readers []*fs.Lock
}

func (rw *flockRWMutex) RLock() {
	lk, err := rw.locker.RLock(rw.path)
	if err != nil {
		panic(fmt.Errorf("flavor: flock rlock %s: %w", rw.path, err))
	}

	rw.mu.Lock()
	rw.readers = append(rw.readers, lk)
	rw.mu.Unlock()
}

func (rw *flockRWMutex) RUnlock() {
	rw.mu.Lock()
	if len(rw.readers) == 0 {
		rw.mu.Unlock()
		panic("flavor: runlock of unlocked flock rwmutex")
	}

	lk := rw.readers[len(rw.readers)-1]
	rw.readers = rw.readers[:len(rw.readers)-1]
	rw.mu.Unlock()

	if err := lk.Close(); err != nil {
		panic(fmt.Errorf("flavor: flock runlock %s: %w", rw.path, err))
	}
}
