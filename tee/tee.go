// Package tee duplicates console output into a transcript sink.
//
// A Tee forwards every write to the original console (when echo is on) and
// appends it to a sink: a file opened in append mode, or an in-memory buffer
// when no path is given. While entered into a stdio.Streams it replaces both
// stdout and stderr.
package tee

import (
	"bytes"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/zhubert/nblog/logger"
	"github.com/zhubert/nblog/stdio"
)

// ErrClosed is returned when writing to a closed Tee.
var ErrClosed = errors.New("tee is closed")

// ErrReadOnly is returned when writing to or entering a read-only Tee.
var ErrReadOnly = errors.New("tee is read-only")

// Options configures Open.
type Options struct {
	// Path of the file sink. Empty selects the in-memory sink.
	Path string
	// Echo mirrors every write to Console before it reaches the sink.
	Echo bool
	// Console receives echoed writes. Defaults to stdio.Process.OriginalStdout().
	Console io.Writer
	// ReadOnly opens an existing file sink for Read only. Nothing is
	// created and the file needs no write permission.
	ReadOnly bool
	// FS opens the file sink. Defaults to the host filesystem rooted at "/",
	// so Path should be absolute.
	FS billy.Filesystem
}

// Tee is a writer that duplicates writes to the console and a sink.
type Tee struct {
	mu      sync.Mutex
	fs      billy.Filesystem
	path    string
	echo    bool
	console io.Writer
	file    billy.File
	mem     *bytes.Buffer
	closed  bool
	ro      bool
	streams *stdio.Streams
}

// Open creates a Tee. For a file sink, missing parent directories are
// created and the file is opened for appending, so repeated sessions
// accumulate instead of truncating.
func Open(opts Options) (*Tee, error) {
	t := &Tee{
		fs:      opts.FS,
		path:    opts.Path,
		echo:    opts.Echo,
		console: opts.Console,
		ro:      opts.ReadOnly,
	}
	if t.console == nil {
		t.console = stdio.Process.OriginalStdout()
	}
	if t.fs == nil {
		t.fs = osfs.New("/")
	}

	if t.path == "" {
		t.mem = &bytes.Buffer{}
		return t, nil
	}

	if t.ro {
		if _, err := t.fs.Stat(t.path); err != nil {
			return nil, errors.Wrapf(err, "opening %s", t.path)
		}
		return t, nil
	}

	dir := filepath.Dir(t.path)
	if err := t.fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating directory %s", dir)
	}
	f, err := t.fs.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", t.path)
	}
	t.file = f

	logger.WithComponent("tee").Debug("tee opened", "path", t.path, "echo", t.echo)
	return t, nil
}

// Path returns the sink path, or "" for a memory sink.
func (t *Tee) Path() string { return t.path }

// Console returns the writer echoed writes go to.
func (t *Tee) Console() io.Writer { return t.console }

// Write echoes p to the console if enabled, then appends it to the sink.
// Sink writes are not buffered: once Write returns, the bytes are visible
// to any other reader of the file.
func (t *Tee) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}
	if t.ro {
		return 0, ErrReadOnly
	}
	if t.echo {
		if _, err := t.console.Write(p); err != nil {
			return 0, errors.Wrap(err, "echoing to console")
		}
	}
	if t.mem != nil {
		return t.mem.Write(p)
	}
	n, err := t.file.Write(p)
	if err != nil {
		return n, errors.Wrapf(err, "appending to %s", t.path)
	}
	return n, nil
}

// WriteString is Write for strings.
func (t *Tee) WriteString(s string) (int, error) {
	return t.Write([]byte(s))
}

// Read returns everything accumulated in the sink so far. A file sink is
// re-read from disk through a separate handle, which also works after Close.
func (t *Tee) Read() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mem != nil {
		return t.mem.String(), nil
	}
	f, err := t.fs.Open(t.path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s", t.path)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", t.path)
	}
	return string(data), nil
}

// Fd returns the console's file descriptor, so a Tee installed as stdout
// still answers terminal checks for the real console.
func (t *Tee) Fd() uintptr {
	return stdio.Fd(t.console)
}

// Enter installs t as stdout and stderr of streams.
func (t *Tee) Enter(streams *stdio.Streams) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.ro {
		return ErrReadOnly
	}
	if t.streams != nil {
		return errors.New("tee is already entered")
	}
	if err := streams.Install(t); err != nil {
		return err
	}
	t.streams = streams
	logger.WithComponent("tee").Debug("streams installed", "path", t.path)
	return nil
}

// Close restores the original streams if t is entered, then releases the
// file handle. Restoration happens before anything can fail, so a closed
// Tee is never left installed. Closing twice is a no-op.
func (t *Tee) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.streams != nil {
		// Restore only fails when t does not own the slot, which leaves
		// nothing for us to undo.
		_ = t.streams.Restore(t)
		t.streams = nil
		logger.WithComponent("tee").Debug("streams restored", "path", t.path)
	}
	if t.closed {
		return nil
	}
	t.closed = true
	if t.file != nil {
		if err := t.file.Close(); err != nil {
			return errors.Wrapf(err, "closing %s", t.path)
		}
	}
	return nil
}

// Capture opens a Tee, enters it into streams for the duration of fn and
// always restores the streams and closes the sink afterwards, including
// when fn returns an error or panics.
func Capture(streams *stdio.Streams, opts Options, fn func(*Tee) error) (err error) {
	t, err := Open(opts)
	if err != nil {
		return err
	}
	if err := t.Enter(streams); err != nil {
		return stderrors.Join(err, t.Close())
	}
	defer func() {
		if cerr := t.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(t)
}
