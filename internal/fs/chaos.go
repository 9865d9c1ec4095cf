package fs

import (
	"errors"
	iofs "io/fs"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
type ChaosConfig struct {
	OpenFailRate   float64 // Fail OpenFile (lock files)
	ReadFailRate   float64 // Fail ReadFile (config files)
	WriteFailRate  float64 // Fail WriteFileAtomic (reports)
	MkdirFailRate  float64 // Fail MkdirAll
	RemoveFailRate float64 // Fail RemoveAll

	// OpenFailAfter, if positive, lets that many OpenFile calls through and
	// fails every later one. Unlike the rates it does not depend on the seed.
	OpenFailAfter int64
}

// ChaosMode controls how Chaos behaves.
type ChaosMode uint8

const (
	// ChaosModePassthrough behaves like the underlying FS.
	ChaosModePassthrough ChaosMode = iota

	// ChaosModeInject enables fault injection.
	ChaosModeInject
)

// Chaos wraps an [FS] and injects failures for testing.
//
// Injected errors are *fs.PathError values carrying a syscall.Errno, the
// same shape the OS returns, so errors.Is and os.IsPermission work on them.
// [IsInjected] tells them apart from real failures.
//
// The zero mode is [ChaosModePassthrough]; use [Chaos.SetMode] to start
// injecting.
type Chaos struct {
	fs     FS
	config ChaosConfig
	mode   atomic.Uint32

	mu  sync.Mutex
	rng *rand.Rand

	opens       atomic.Int64
	openFails   atomic.Int64
	readFails   atomic.Int64
	writeFails  atomic.Int64
	mkdirFails  atomic.Int64
	removeFails atomic.Int64
}

// NewChaos creates a new Chaos filesystem wrapping fs.
// The seed controls random fault injection for reproducibility.
func NewChaos(fs FS, seed int64, config ChaosConfig) *Chaos {
	return &Chaos{
		fs:     fs,
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// SetMode updates Chaos behavior. Safe to call concurrently with filesystem
// operations.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// ChaosStats contains counts of injected faults.
type ChaosStats struct {
	OpenFails   int64
	ReadFails   int64
	WriteFails  int64
	MkdirFails  int64
	RemoveFails int64
}

// Stats returns the current fault injection counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		OpenFails:   c.openFails.Load(),
		ReadFails:   c.readFails.Load(),
		WriteFails:  c.writeFails.Load(),
		MkdirFails:  c.mkdirFails.Load(),
		RemoveFails: c.removeFails.Load(),
	}
}

func (c *Chaos) injecting() bool {
	return ChaosMode(c.mode.Load()) == ChaosModeInject
}

// should returns true with the given probability when chaos is injecting.
func (c *Chaos) should(rate float64) bool {
	if !c.injecting() || rate <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64() < rate
}

func (c *Chaos) pick(errs ...syscall.Errno) syscall.Errno {
	c.mu.Lock()
	defer c.mu.Unlock()

	return errs[c.rng.Intn(len(errs))]
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if c.injecting() {
		n := c.opens.Add(1)

		if (c.config.OpenFailAfter > 0 && n > c.config.OpenFailAfter) || c.should(c.config.OpenFailRate) {
			c.openFails.Add(1)

			return nil, pathError("open", path, c.pick(syscall.EIO, syscall.EMFILE, syscall.EACCES))
		}
	}

	return c.fs.OpenFile(path, flag, perm)
}

func (c *Chaos) ReadFile(path string) ([]byte, error) {
	if c.should(c.config.ReadFailRate) {
		c.readFails.Add(1)

		return nil, pathError("read", path, c.pick(syscall.EIO, syscall.EACCES))
	}

	return c.fs.ReadFile(path)
}

func (c *Chaos) WriteFileAtomic(path string, data []byte) error {
	if c.should(c.config.WriteFailRate) {
		c.writeFails.Add(1)

		return pathError("write", path, c.pick(syscall.ENOSPC, syscall.EIO))
	}

	return c.fs.WriteFileAtomic(path, data)
}

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	if c.should(c.config.MkdirFailRate) {
		c.mkdirFails.Add(1)

		return pathError("mkdir", path, c.pick(syscall.EACCES, syscall.ENOSPC))
	}

	return c.fs.MkdirAll(path, perm)
}

func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	return c.fs.Stat(path)
}

func (c *Chaos) RemoveAll(path string) error {
	if c.should(c.config.RemoveFailRate) {
		c.removeFails.Add(1)

		return pathError("unlinkat", path, c.pick(syscall.EBUSY, syscall.EACCES))
	}

	return c.fs.RemoveAll(path)
}

var injectedPathErrors sync.Map // map[*fs.PathError]struct{}

// pathError creates an *fs.PathError the way the OS would and records it as
// injected.
func pathError(op, path string, errno syscall.Errno) error {
	pe := &iofs.PathError{Op: op, Path: path, Err: errno}
	injectedPathErrors.Store(pe, struct{}{})

	return pe
}

// IsInjected reports whether err (or any wrapped error) was injected by
// [Chaos]. Returns false if err is nil.
func IsInjected(err error) bool {
	var pe *iofs.PathError
	if !errors.As(err, &pe) {
		return false
	}

	_, ok := injectedPathErrors.Load(pe)

	return ok
}

// Compile-time interface check.
var _ FS = (*Chaos)(nil)
