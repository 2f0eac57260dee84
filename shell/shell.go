// Package shell is a line-oriented interactive shell that can record its
// session as a transcript.
//
// Every submitted line is one execution unit, evaluated with
// `<program> -c <line>`. Lines starting with "%" are magics handled by the
// shell itself; they are not execution units, so they fire no events and
// are not recorded as input.
//
// Loading the logging extension (Load) defines:
//
//	%register_logging <path>   start a transcript at path
//	%logstop                   stop the transcript
//	%logstate                  report where the transcript goes
package shell

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/zhubert/nblog/config"
	"github.com/zhubert/nblog/exec"
	"github.com/zhubert/nblog/host"
	"github.com/zhubert/nblog/logger"
	"github.com/zhubert/nblog/session"
	"github.com/zhubert/nblog/stdio"
)

// Options configures a Shell.
type Options struct {
	Program     string // Evaluates each unit with -c
	Prompt      string // "%d" is replaced with the next execution count
	Dir         string // Working directory for units, "" for the current one
	ForcePrompt bool   // Print prompts even when input is not a terminal
}

// OptionsFromConfig returns Options seeded from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{Program: cfg.Shell, Prompt: cfg.Prompt}
}

// AddFlags registers flags overriding o's current values.
func (o *Options) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&o.Program, "shell", o.Program, "program that evaluates each unit with -c")
	flagSet.StringVar(&o.Prompt, "prompt", o.Prompt, "input prompt; %d is replaced with the execution count")
	flagSet.StringVarP(&o.Dir, "dir", "C", o.Dir, "working directory for execution units")
	flagSet.BoolVar(&o.ForcePrompt, "force-prompt", o.ForcePrompt, "print prompts even when input is not a terminal")
}

// Magic handles a "%name args" line.
type Magic func(ctx context.Context, sh *Shell, args string) error

// Shell is one interactive shell instance.
type Shell struct {
	id         string
	opts       Options
	streams    *stdio.Streams
	bus        *host.Bus
	logfile    *host.Logfile
	executor   exec.CommandExecutor
	controller *session.Controller
	magics     map[string]Magic
	count      int
	log        *slog.Logger
}

// New creates a Shell whose transcripts are managed by controller. Units
// run through executor and the logging facility opens files through fs.
func New(opts Options, controller *session.Controller, executor exec.CommandExecutor, fs billy.Filesystem) *Shell {
	if opts.Program == "" {
		opts.Program = config.DefaultShell
	}
	if opts.Prompt == "" {
		opts.Prompt = config.DefaultPrompt
	}
	id := uuid.New().String()
	return &Shell{
		id:         id,
		opts:       opts,
		streams:    controller.Streams(),
		bus:        host.NewBus(),
		logfile:    host.NewLogfile(fs),
		executor:   executor,
		controller: controller,
		magics:     make(map[string]Magic),
		log:        logger.WithShell(id),
	}
}

// ID returns the shell instance ID.
func (s *Shell) ID() string { return s.id }

// Events returns the shell's execution event source.
func (s *Shell) Events() host.Events { return s.bus }

// Facility returns the shell's transcript-logging facility.
func (s *Shell) Facility() host.Facility { return s.logfile }

// ExecutionCount returns how many units have run.
func (s *Shell) ExecutionCount() int { return s.count }

// DefineMagic registers fn under name, replacing any previous definition.
func (s *Shell) DefineMagic(name string, fn Magic) {
	s.magics[name] = fn
}

// Magics returns the names of the defined magics, sorted.
func (s *Shell) Magics() []string {
	names := make([]string, 0, len(s.magics))
	for name := range s.magics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load installs the logging extension.
func (s *Shell) Load() {
	s.DefineMagic("register_logging", registerLogging)
	s.DefineMagic("logstop", logStop)
	s.DefineMagic("logstate", logState)
	s.log.Debug("logging extension loaded")
}

// Unload stops any transcript and removes the extension's magics.
func (s *Shell) Unload() error {
	err := s.controller.Stop(s)
	for _, name := range []string{"register_logging", "logstop", "logstate"} {
		delete(s.magics, name)
	}
	s.log.Debug("logging extension unloaded")
	return err
}

func registerLogging(ctx context.Context, s *Shell, args string) error {
	path := strings.TrimSpace(args)
	if path == "" {
		return errors.New("usage: %register_logging <path>")
	}
	_, err := s.controller.Start(s, path)
	return err
}

func logStop(ctx context.Context, s *Shell, args string) error {
	return s.controller.Stop(s)
}

func logState(ctx context.Context, s *Shell, args string) error {
	out := s.streams.OriginalStdout()
	if path, ok := s.controller.Active(s.id); ok {
		fmt.Fprintln(out, " Logging to "+path)
	} else {
		fmt.Fprintln(out, " Logging is not active")
	}
	return nil
}

func parseMagic(line string) (name, args string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "%") {
		return "", "", false
	}
	name, args, _ = strings.Cut(trimmed[1:], " ")
	return name, strings.TrimSpace(args), true
}

// RunCell evaluates one line. Output of the unit goes through the shell's
// streams, so an installed tee records it before post_execute fires. A
// failing command is reported on stderr as part of its output; the
// returned error is for magic and hook failures.
func (s *Shell) RunCell(ctx context.Context, source string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(source) == "" {
		return nil
	}
	if name, args, ok := parseMagic(source); ok {
		fn, found := s.magics[name]
		if !found {
			return errors.Errorf("unknown magic %%%s", name)
		}
		return fn(ctx, s, args)
	}

	s.count++
	if err := s.logfile.LogInput(source); err != nil {
		s.log.Warn("failed to record input", "error", err)
	}

	var errs []error
	if err := s.bus.Fire(host.PreExecute); err != nil {
		errs = append(errs, err)
	}
	if err := s.executor.Stream(ctx, s.opts.Dir, s.streams.Stdout(), s.streams.Stderr(), s.opts.Program, "-c", source); err != nil {
		fmt.Fprintln(s.streams.Stderr(), err)
		s.log.Debug("unit failed", "count", s.count, "error", err)
	}
	if err := s.bus.Fire(host.PostExecute); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

func (s *Shell) prompt() string {
	return strings.ReplaceAll(s.opts.Prompt, "%d", strconv.Itoa(s.count+1))
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// Run reads lines from in until EOF or ctx is done, running each as a
// cell. Prompts go to the original console so they never enter a
// transcript. Cell errors are reported on stderr and do not end the loop.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	interactive := s.opts.ForcePrompt || isTerminal(in)
	reader := bufio.NewReader(in)

	for {
		if interactive {
			fmt.Fprint(s.streams.OriginalStdout(), s.prompt())
		}
		// No line length limit.
		line, readErr := reader.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return errors.Wrap(readErr, "reading input")
		}
		if line != "" {
			if err := s.RunCell(ctx, strings.TrimRight(line, "\r\n")); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fmt.Fprintln(s.streams.Stderr(), "Error:", err)
			}
		}
		if readErr == io.EOF {
			break
		}
	}
	if interactive {
		fmt.Fprintln(s.streams.OriginalStdout())
	}
	return nil
}
