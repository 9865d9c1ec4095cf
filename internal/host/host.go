// Package host is the execution environment the probes run on: it starts
// workers, joins them and turns a worker panic into an error the
// orchestrator can report.
package host

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrThreadPanicked is matched by the error [Handle.Join] returns for a
// worker that panicked.
var ErrThreadPanicked = errors.New("thread panicked")

// PanicError describes a worker that terminated by panicking.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrThreadPanicked, e.Name, e.Value)
}

// Unwrap exposes [ErrThreadPanicked] and, if the panic value was an error,
// that error too.
func (e *PanicError) Unwrap() []error {
	if err, ok := e.Value.(error); ok {
		return []error{ErrThreadPanicked, err}
	}

	return []error{ErrThreadPanicked}
}

var live atomic.Int64

// Live returns the number of spawned workers that have not finished yet.
func Live() int {
	return int(live.Load())
}

// Handle refers to a spawned worker.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the name given to [Spawn].
func (h *Handle) Name() string {
	return h.name
}

// Spawn runs fn on a new goroutine. name identifies the worker in errors.
func Spawn(name string, fn func() error) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}

	live.Add(1)

	go func() {
		defer close(h.done)
		defer live.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				h.err = &PanicError{Name: name, Value: r, Stack: debug.Stack()}
			}
		}()

		h.err = fn()
	}()

	return h
}

// Join blocks until the worker has finished and returns the error fn
// returned, or a [*PanicError] if it panicked. Join may be called any number
// of times.
func (h *Handle) Join() error {
	<-h.done

	return h.err
}

// Done is closed once the worker has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// JoinAll joins every handle and returns the first failure. It always waits
// for all of them, and returns immediately for an empty slice.
func JoinAll(handles []*Handle) error {
	var g errgroup.Group

	for _, h := range handles {
		g.Go(h.Join)
	}

	return g.Wait()
}

// Sleep pauses the calling worker. Used only to bias scheduling.
func Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// Yield lets other goroutines run.
func Yield() {
	runtime.Gosched()
}
