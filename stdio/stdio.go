// Package stdio owns the process-wide stdout/stderr slot.
//
// os.Stdout is an *os.File and cannot be replaced by an arbitrary writer,
// so code that must be captured by a transcript writes through a Streams
// value instead. A Streams remembers the original console streams it was
// created with and holds at most one installed writer that replaces both
// stdout and stderr until it is restored.
package stdio

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ErrInstalled is returned by Install when another writer already owns the slot.
var ErrInstalled = errors.New("a writer is already installed over stdout/stderr")

// ErrNotInstalled is returned by Restore when the given writer does not own the slot.
var ErrNotInstalled = errors.New("writer is not installed")

// Process is the Streams for this process, captured from os.Stdout and
// os.Stderr at startup.
var Process = New(os.Stdout, os.Stderr)

// Streams is the single-owner stdout/stderr slot.
type Streams struct {
	mu        sync.Mutex
	stdout    io.Writer
	stderr    io.Writer
	installed io.Writer
}

// New returns a Streams whose originals are stdout and stderr.
// The originals never change for the lifetime of the value.
func New(stdout, stderr io.Writer) *Streams {
	return &Streams{stdout: stdout, stderr: stderr}
}

// OriginalStdout returns the console stdout captured by New.
func (s *Streams) OriginalStdout() io.Writer { return s.stdout }

// OriginalStderr returns the console stderr captured by New.
func (s *Streams) OriginalStderr() io.Writer { return s.stderr }

// Installed returns the writer currently replacing stdout/stderr, or nil.
func (s *Streams) Installed() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installed
}

// Install makes w the target of both stdout and stderr.
func (s *Streams) Install(w io.Writer) error {
	if w == nil {
		return errors.New("cannot install a nil writer")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installed != nil {
		return ErrInstalled
	}
	s.installed = w
	return nil
}

// Restore puts the original streams back. w must be the installed writer,
// so a stale owner cannot uninstall somebody else's writer.
func (s *Streams) Restore(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installed == nil || s.installed != w {
		return ErrNotInstalled
	}
	s.installed = nil
	return nil
}

// Stdout returns a writer that forwards each write to the installed writer,
// or to the original stdout when nothing is installed. The returned value
// stays valid across Install/Restore, so it can be handed out once.
func (s *Streams) Stdout() io.Writer { return &stream{s: s, stderr: false} }

// Stderr is the stderr counterpart of Stdout.
func (s *Streams) Stderr() io.Writer { return &stream{s: s, stderr: true} }

func (s *Streams) current(stderr bool) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installed != nil {
		return s.installed
	}
	if stderr {
		return s.stderr
	}
	return s.stdout
}

type stream struct {
	s      *Streams
	stderr bool
}

func (w *stream) Write(p []byte) (int, error) {
	return w.s.current(w.stderr).Write(p)
}

// Fd returns the file descriptor behind the current target, so terminal
// checks see through an installed writer. It returns ^uintptr(0) when the
// target has no descriptor.
func (w *stream) Fd() uintptr {
	return Fd(w.s.current(w.stderr))
}

// Fd returns w's file descriptor if it exposes one, and ^uintptr(0) otherwise.
func Fd(w io.Writer) uintptr {
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		return f.Fd()
	}
	return ^uintptr(0)
}
