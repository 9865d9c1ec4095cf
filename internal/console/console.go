// Package console provides the ordered progress sink shared by a probe's
// workers.
package console

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// Sink serializes writes from many goroutines. Every call is written as one
// unit and flushed before the next call starts, so lines from different
// workers never interleave mid-line. The order between workers is whatever
// order they reached the sink in.
type Sink struct {
	mu       sync.Mutex
	buf      *bufio.Writer
	err      error
	detached bool
}

// New returns a sink writing to w.
func New(w io.Writer) *Sink {
	return &Sink{buf: bufio.NewWriter(w)}
}

// Discard returns a sink that drops everything.
func Discard() *Sink {
	return New(io.Discard)
}

// Print writes a fragment without a newline.
func (s *Sink) Print(a ...any) {
	s.write(func(w io.Writer) { _, _ = fmt.Fprint(w, a...) })
}

// Printf writes a formatted fragment.
func (s *Sink) Printf(format string, a ...any) {
	s.write(func(w io.Writer) { _, _ = fmt.Fprintf(w, format, a...) })
}

// Println writes a line.
func (s *Sink) Println(a ...any) {
	s.write(func(w io.Writer) { _, _ = fmt.Fprintln(w, a...) })
}

// Err returns the first flush error, if any. Write errors do not stop the
// probes; progress output is not part of their result.
func (s *Sink) Err() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Detach drops all further output. Used when the goroutines writing to the
// sink are abandoned while still running.
func (s *Sink) Detach() {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.detached = true
}

func (s *Sink) write(fn func(w io.Writer)) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return
	}

	fn(s.buf)

	if err := s.buf.Flush(); err != nil && s.err == nil {
		s.err = err
	}
}
