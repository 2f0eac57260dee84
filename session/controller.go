// Package session turns transcript logging on and off for shell instances.
//
// # Overview
//
// Each shell instance has a State in the controller's StateStore, keyed by
// the shell's ID. Start moves a shell from inactive to active:
//
//  1. Refuse if the shell is already logging (" Logging is already active"),
//     or if its logging facility is already logging elsewhere
//     (" Already logging to <path>").
//  2. Expand "~" and resolve the path; note whether the file exists.
//  3. Open a tee over the file, creating missing directories.
//  4. Start the shell's logging facility on the same path.
//  5. Install the tee over the process streams.
//  6. Register the Framer's boundary hooks and write the session header.
//
// Any failure after step 3 rolls back what was done, including removing a
// transcript file the attempt created, so a shell is either fully active
// or left exactly as it was.
//
// Stop reverses Start and is a no-op for shells that are not logging.
//
// Status messages go to the original console stdout, never through the
// tee, so they do not appear in the transcript.
package session

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/zhubert/nblog/host"
	"github.com/zhubert/nblog/logger"
	"github.com/zhubert/nblog/paths"
	"github.com/zhubert/nblog/stdio"
	"github.com/zhubert/nblog/tee"
	"github.com/zhubert/nblog/transcript"
)

// Shell is what the controller needs from a shell instance.
type Shell interface {
	ID() string
	Events() host.Events
	Facility() host.Facility
}

// Outcome describes how a Start call ended when it returned no error.
type Outcome int

const (
	// Started means logging is now active.
	Started Outcome = iota
	// AlreadyActive means this controller already logs the shell.
	AlreadyActive
	// AlreadyLogging means the shell's facility was logging on its own.
	AlreadyLogging
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case AlreadyActive:
		return "already active"
	case AlreadyLogging:
		return "already logging"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Controller starts and stops transcript logging.
type Controller struct {
	streams *stdio.Streams
	fs      billy.Filesystem
	states  *StateStore

	// Now returns the time stamped into session headers.
	Now func() time.Time
}

// NewController returns a Controller installing tees over streams and
// opening transcripts through fs. Nil values select stdio.Process and the
// host filesystem.
func NewController(streams *stdio.Streams, fs billy.Filesystem) *Controller {
	if streams == nil {
		streams = stdio.Process
	}
	if fs == nil {
		fs = osfs.New("/")
	}
	return &Controller{
		streams: streams,
		fs:      fs,
		states:  NewStateStore(),
		Now:     time.Now,
	}
}

// States exposes the per-shell state store.
func (c *Controller) States() *StateStore { return c.states }

// Streams returns the streams the controller installs tees over.
func (c *Controller) Streams() *stdio.Streams { return c.streams }

// Active returns the transcript path of a shell and whether it is logging.
func (c *Controller) Active(shellID string) (string, bool) {
	state := c.states.GetIfExists(shellID)
	if state == nil {
		return "", false
	}
	var path string
	var active bool
	state.WithLock(func(s *State) {
		path, active = s.Path, s.Active
	})
	return path, active
}

func (c *Controller) console() io.Writer {
	return c.streams.OriginalStdout()
}

// Start begins logging sh to path. The returned Outcome is only meaningful
// when err is nil.
func (c *Controller) Start(sh Shell, path string) (Outcome, error) {
	log := logger.WithShell(sh.ID())
	state := c.states.GetOrCreate(sh.ID())
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.Active {
		fmt.Fprintln(c.console(), " Logging is already active")
		log.Info("start ignored, already active", "path", state.Path)
		return AlreadyActive, nil
	}

	facility := sh.Facility()
	if facility.Active() {
		fmt.Fprintln(c.console(), " Already logging to "+facility.Path())
		log.Warn("facility already logging", "path", facility.Path(), "requested", path)
		return AlreadyLogging, nil
	}

	resolved, err := paths.Expand(path)
	if err != nil {
		return 0, errors.Wrapf(err, "resolving %s", path)
	}
	existed, err := c.exists(resolved)
	if err != nil {
		return 0, err
	}

	t, err := tee.Open(tee.Options{
		Path:    resolved,
		Echo:    true,
		Console: c.console(),
		FS:      c.fs,
	})
	if err != nil {
		return 0, errors.Wrap(err, "opening transcript")
	}

	// A rejected start must not leave a new file behind, or the next start
	// on the same path would write the existing-file header.
	discard := func() error {
		if existed {
			return nil
		}
		if err := c.fs.Remove(resolved); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing %s", resolved)
		}
		return nil
	}

	if err := facility.Start(resolved); err != nil {
		closeErr := stderrors.Join(t.Close(), discard())
		if errors.Is(err, host.ErrAlreadyActive) {
			fmt.Fprintln(c.console(), " Already logging to "+facility.Path())
			log.Warn("facility already logging", "path", facility.Path(), "requested", resolved)
			return AlreadyLogging, closeErr
		}
		return 0, stderrors.Join(errors.Wrap(err, "starting logging facility"), closeErr)
	}

	rollback := func(cause error) error {
		errs := []error{cause}
		if err := facility.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := discard(); err != nil {
			errs = append(errs, err)
		}
		log.Error("start rolled back", "path", resolved, "error", cause)
		return stderrors.Join(errs...)
	}

	if err := t.Enter(c.streams); err != nil {
		return 0, rollback(errors.Wrap(err, "installing tee"))
	}
	h, err := register(sh.Events(), NewFramer(facility))
	if err != nil {
		return 0, rollback(err)
	}
	if err := facility.Write(transcript.Header(resolved, existed, c.Now())); err != nil {
		return 0, rollback(stderrors.Join(errors.Wrap(err, "writing header"), h.unregister()))
	}

	state.Active = true
	state.Path = resolved
	state.hooks = h
	state.tee = t

	fmt.Fprintln(c.console(), " Logging to "+resolved)
	log.Info("logging started", "path", resolved, "existed", existed)
	return Started, nil
}

// Stop ends logging for sh. It is a no-op if sh is not logging. The
// original streams are always restored, even when other steps fail.
func (c *Controller) Stop(sh Shell) (err error) {
	state := c.states.GetIfExists(sh.ID())
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.Active {
		return nil
	}

	var errs []error
	defer func() {
		if cerr := state.tee.Close(); cerr != nil {
			errs = append(errs, cerr)
		}
		state.reset()
		err = stderrors.Join(errs...)
	}()

	if err := sh.Facility().Stop(); err != nil && !errors.Is(err, host.ErrNotActive) {
		errs = append(errs, errors.Wrap(err, "stopping logging facility"))
	}
	if state.hooks != nil {
		if err := state.hooks.unregister(); err != nil {
			errs = append(errs, err)
		}
		state.hooks = nil
	}

	logger.WithShell(sh.ID()).Info("logging stopped", "path", state.Path)
	return nil
}

func (c *Controller) exists(path string) (bool, error) {
	_, err := c.fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "checking %s", path)
}

// register adds the framer's callbacks to events. If the second
// registration fails the first is removed again.
func register(events host.Events, f *Framer) (*hooks, error) {
	pre, err := events.Register(host.PreExecute, f.PreExecute)
	if err != nil {
		return nil, errors.Wrap(err, "registering pre_execute hook")
	}
	post, err := events.Register(host.PostExecute, f.PostExecute)
	if err != nil {
		return nil, stderrors.Join(
			errors.Wrap(err, "registering post_execute hook"),
			events.Unregister(host.PreExecute, pre),
		)
	}
	return &hooks{events: events, pre: pre, post: post}, nil
}

func (h *hooks) unregister() error {
	return stderrors.Join(
		h.events.Unregister(host.PreExecute, h.pre),
		h.events.Unregister(host.PostExecute, h.post),
	)
}
