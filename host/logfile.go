package host

import (
	"os"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/zhubert/nblog/logger"
)

var (
	// ErrAlreadyActive is returned by Facility.Start while logging is on.
	ErrAlreadyActive = errors.New("logging is already active")
	// ErrNotActive is returned by Facility operations while logging is off.
	ErrNotActive = errors.New("logging is not active")
)

// Facility is a shell's transcript-logging facility.
type Facility interface {
	// Start begins appending to path. It fails with ErrAlreadyActive if
	// the facility is already logging.
	Start(path string) error
	// Stop ends logging. It fails with ErrNotActive if not logging.
	Stop() error
	// Write appends text verbatim to the transcript.
	Write(text string) error
	// Path is the current transcript path, or "" when not logging.
	Path() string
	Active() bool
}

// Logfile is a Facility appending to a file through a billy.Filesystem.
// The file is opened in append mode, so it can share a transcript with a
// tee writing to the same path.
type Logfile struct {
	mu   sync.Mutex
	fs   billy.Filesystem
	path string
	file billy.File
}

// NewLogfile returns an inactive Logfile. A nil fs means the host
// filesystem rooted at "/".
func NewLogfile(fs billy.Filesystem) *Logfile {
	if fs == nil {
		fs = osfs.New("/")
	}
	return &Logfile{fs: fs}
}

// Start opens path for appending. The parent directory must exist.
func (l *Logfile) Start(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return errors.WithMessagef(ErrAlreadyActive, "logging to %s", l.path)
	}
	f, err := l.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening log %s", path)
	}
	l.file = f
	l.path = path
	logger.WithComponent("logfile").Info("logging started", "path", path)
	return nil
}

// Stop closes the transcript.
func (l *Logfile) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrNotActive
	}
	err := l.file.Close()
	logger.WithComponent("logfile").Info("logging stopped", "path", l.path)
	l.file = nil
	l.path = ""
	if err != nil {
		return errors.Wrap(err, "closing log")
	}
	return nil
}

// Write appends text to the transcript.
func (l *Logfile) Write(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrNotActive
	}
	if _, err := l.file.Write([]byte(text)); err != nil {
		return errors.Wrapf(err, "writing log %s", l.path)
	}
	return nil
}

// LogInput records the source of an execution unit, newline terminated.
// It does nothing while logging is off.
func (l *Logfile) LogInput(source string) error {
	if !l.Active() {
		return nil
	}
	if !strings.HasSuffix(source, "\n") {
		source += "\n"
	}
	return l.Write(source)
}

// Path returns the transcript path, or "" when not logging.
func (l *Logfile) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Active reports whether logging is on.
func (l *Logfile) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}
