package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/zhubert/nblog/host"
	"github.com/zhubert/nblog/stdio"
	"github.com/zhubert/nblog/transcript"
)

type testShell struct {
	id       string
	events   host.Events
	bus      *host.Bus
	facility host.Facility
}

func newTestShell() *testShell {
	bus := host.NewBus()
	return &testShell{
		id:       uuid.New().String(),
		events:   bus,
		bus:      bus,
		facility: host.NewLogfile(osfs.New("/")),
	}
}

func (s *testShell) ID() string              { return s.id }
func (s *testShell) Events() host.Events     { return s.events }
func (s *testShell) Facility() host.Facility { return s.facility }

// runUnit mimics the host executing one unit that prints output.
func (s *testShell) runUnit(t *testing.T, streams *stdio.Streams, output string) {
	t.Helper()
	if err := s.bus.Fire(host.PreExecute); err != nil {
		t.Fatalf("pre_execute: %v", err)
	}
	fmt.Fprint(streams.Stdout(), output)
	if err := s.bus.Fire(host.PostExecute); err != nil {
		t.Fatalf("post_execute: %v", err)
	}
}

var fixedTime = time.Date(2026, 10, 19, 12, 34, 56, 0, time.Local)

func newTestController(t *testing.T) (*Controller, *stdio.Streams, *bytes.Buffer) {
	t.Helper()
	console := &bytes.Buffer{}
	streams := stdio.New(console, &bytes.Buffer{})
	c := NewController(streams, osfs.New("/"))
	c.Now = func() time.Time { return fixedTime }
	return c, streams, console
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data)
}

func TestController_Scenario(t *testing.T) {
	c, streams, console := newTestController(t)
	sh := newTestShell()
	dir := filepath.Join(t.TempDir(), "sess")
	path := filepath.Join(dir, "log.txt")

	outcome, err := c.Start(sh, path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if outcome != Started {
		t.Fatalf("expected Started, got %v", outcome)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected directory %s to be created: %v", dir, err)
	}
	if got, want := console.String(), " Logging to "+path+"\n"; got != want {
		t.Errorf("console = %q, want %q", got, want)
	}

	sh.runUnit(t, streams, "hello\n")

	want := transcript.Header(path, false, fixedTime) + "hello\n" + transcript.Footer()
	if diff := cmp.Diff(want, readFile(t, path)); diff != "" {
		t.Fatalf("transcript mismatch (-want +got):\n%s", diff)
	}
	snapshot := readFile(t, path)

	console.Reset()
	outcome, err = c.Start(sh, filepath.Join(t.TempDir(), "elsewhere.txt"))
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if outcome != AlreadyActive {
		t.Errorf("expected AlreadyActive, got %v", outcome)
	}
	if got := console.String(); got != " Logging is already active\n" {
		t.Errorf("console = %q, want duplicate message", got)
	}
	if got := readFile(t, path); got != snapshot {
		t.Errorf("transcript changed by duplicate start:\n%s", got)
	}
	if sh.bus.Len(host.PostExecute) != 1 || sh.bus.Len(host.PreExecute) != 1 {
		t.Errorf("expected exactly one hook per event, got pre=%d post=%d",
			sh.bus.Len(host.PreExecute), sh.bus.Len(host.PostExecute))
	}

	if err := c.Stop(sh); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if streams.Installed() != nil {
		t.Fatal("expected original streams restored")
	}

	console.Reset()
	fmt.Fprint(streams.Stdout(), "after stop\n")
	if console.String() != "after stop\n" {
		t.Errorf("expected write to reach the original console, got %q", console.String())
	}
	if got := readFile(t, path); got != snapshot {
		t.Errorf("writes after Stop must not reach the transcript:\n%s", got)
	}
}

func TestController_StartInstallsOneTee(t *testing.T) {
	c, streams, _ := newTestController(t)
	sh := newTestShell()
	path := filepath.Join(t.TempDir(), "log.txt")

	if _, err := c.Start(sh, path); err != nil {
		t.Fatal(err)
	}
	installed := streams.Installed()
	if installed == nil {
		t.Fatal("expected a tee installed")
	}
	if _, err := c.Start(sh, path); err != nil {
		t.Fatal(err)
	}
	if streams.Installed() != installed {
		t.Error("duplicate Start must not replace the installed tee")
	}

	// One write, one copy: a layered tee would duplicate it.
	fmt.Fprint(streams.Stdout(), "once\n")
	if n := strings.Count(readFile(t, path), "once\n"); n != 1 {
		t.Errorf("expected output once in transcript, found %d", n)
	}
	c.Stop(sh)
}

func TestController_ExistingFileHeader(t *testing.T) {
	c, _, _ := newTestController(t)
	sh := newTestShell()
	path := filepath.Join(t.TempDir(), "log.txt")
	if err := os.WriteFile(path, []byte("previous\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Start(sh, path); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(sh); err != nil {
		t.Fatal(err)
	}

	want := "previous\n" +
		"# =================================\n" +
		"# 12:34:56\n" +
		"# =================================\n"
	if diff := cmp.Diff(want, readFile(t, path)); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
}

func TestController_RestartAppends(t *testing.T) {
	c, streams, _ := newTestController(t)
	sh := newTestShell()
	path := filepath.Join(t.TempDir(), "log.txt")

	for i, output := range []string{"first\n", "second\n"} {
		if outcome, err := c.Start(sh, path); err != nil || outcome != Started {
			t.Fatalf("Start %d: %v %v", i, outcome, err)
		}
		sh.runUnit(t, streams, output)
		if err := c.Stop(sh); err != nil {
			t.Fatalf("Stop %d: %v", i, err)
		}
	}

	want := transcript.Header(path, false, fixedTime) + "first\n" + transcript.Footer() +
		transcript.Header(path, true, fixedTime) + "second\n" + transcript.Footer()
	if diff := cmp.Diff(want, readFile(t, path)); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
}

func TestController_StopWhenNeverStarted(t *testing.T) {
	c, streams, console := newTestController(t)
	sh := newTestShell()

	if err := c.Stop(sh); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if streams.Installed() != nil || console.Len() != 0 {
		t.Error("Stop on an idle shell must not touch streams or console")
	}

	// A created but inactive state is also a no-op.
	c.States().GetOrCreate(sh.ID())
	if err := c.Stop(sh); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestController_StopUnregistersHooks(t *testing.T) {
	c, _, _ := newTestController(t)
	sh := newTestShell()

	if _, err := c.Start(sh, filepath.Join(t.TempDir(), "log.txt")); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(sh); err != nil {
		t.Fatal(err)
	}
	if sh.bus.Len(host.PreExecute) != 0 || sh.bus.Len(host.PostExecute) != 0 {
		t.Error("expected hooks unregistered")
	}
	if sh.facility.Active() {
		t.Error("expected facility stopped")
	}
	if _, active := c.Active(sh.ID()); active {
		t.Error("expected state inactive")
	}
}

func TestController_FacilityAlreadyLogging(t *testing.T) {
	c, streams, console := newTestController(t)
	sh := newTestShell()
	dir := t.TempDir()
	existing := filepath.Join(dir, "external.py")

	if err := sh.facility.Start(existing); err != nil {
		t.Fatal(err)
	}

	requestedDir := filepath.Join(dir, "newdir")
	requested := filepath.Join(requestedDir, "mine.py")
	outcome, err := c.Start(sh, requested)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if outcome != AlreadyLogging {
		t.Errorf("expected AlreadyLogging, got %v", outcome)
	}
	if got, want := console.String(), " Already logging to "+existing+"\n"; got != want {
		t.Errorf("console = %q, want %q", got, want)
	}
	if streams.Installed() != nil {
		t.Error("no tee may be left installed")
	}
	if sh.bus.Len(host.PostExecute) != 0 {
		t.Error("no hooks may be registered")
	}
	if _, active := c.Active(sh.ID()); active {
		t.Error("state must stay inactive")
	}
	if sh.facility.Path() != existing {
		t.Error("the external logging session must be left alone")
	}
	if _, err := os.Stat(requestedDir); !os.IsNotExist(err) {
		t.Errorf("rejected start must not create %s: %v", requestedDir, err)
	}

	// Once the external session ends, the never-logged path gets the
	// new-file header.
	if err := sh.facility.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Start(sh, requested); err != nil {
		t.Fatalf("Start after facility stopped: %v", err)
	}
	defer c.Stop(sh)
	if diff := cmp.Diff(transcript.Header(requested, false, fixedTime), readFile(t, requested)); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
}

// busyFacility reports itself inactive but refuses to start, as when
// another owner grabs the facility between the check and the start.
type busyFacility struct {
	*host.Logfile
}

func (f *busyFacility) Active() bool { return false }

func (f *busyFacility) Start(path string) error {
	return errors.Join(host.ErrAlreadyActive, errors.New("started elsewhere"))
}

func TestController_FacilityStartRejectedRemovesNewFile(t *testing.T) {
	c, streams, console := newTestController(t)
	sh := newTestShell()
	sh.facility = &busyFacility{Logfile: host.NewLogfile(osfs.New("/"))}
	path := filepath.Join(t.TempDir(), "log.txt")

	outcome, err := c.Start(sh, path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if outcome != AlreadyLogging {
		t.Errorf("expected AlreadyLogging, got %v", outcome)
	}
	if !strings.HasPrefix(console.String(), " Already logging to") {
		t.Errorf("console = %q", console.String())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("rejected start must not leave %s behind: %v", path, err)
	}
	if streams.Installed() != nil {
		t.Error("no tee may be installed")
	}
}

func TestController_SecondShellCannotLayerTees(t *testing.T) {
	c, streams, _ := newTestController(t)
	first, second := newTestShell(), newTestShell()
	dir := t.TempDir()

	if _, err := c.Start(first, filepath.Join(dir, "first.txt")); err != nil {
		t.Fatal(err)
	}
	installed := streams.Installed()

	secondPath := filepath.Join(dir, "second.txt")
	_, err := c.Start(second, secondPath)
	if !errors.Is(err, stdio.ErrInstalled) {
		t.Fatalf("expected stdio.ErrInstalled, got %v", err)
	}
	if _, err := os.Stat(secondPath); !os.IsNotExist(err) {
		t.Errorf("rolled back start must remove %s: %v", secondPath, err)
	}
	if streams.Installed() != installed {
		t.Error("first shell's tee must stay installed")
	}
	if second.facility.Active() {
		t.Error("second shell's facility must be rolled back")
	}
	if second.bus.Len(host.PreExecute) != 0 {
		t.Error("second shell must have no hooks")
	}
	if _, active := c.Active(second.ID()); active {
		t.Error("second shell must stay inactive")
	}
	if got := c.States().ActiveShells(); len(got) != 1 || got[0] != first.ID() {
		t.Errorf("expected only first shell active, got %v", got)
	}

	c.Stop(first)
}

func TestController_FilesystemErrorLeavesInactive(t *testing.T) {
	c, streams, console := newTestController(t)
	sh := newTestShell()
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := c.Start(sh, filepath.Join(blocker, "sub", "log.txt"))
	if err == nil {
		t.Fatal("expected error creating a directory beneath a file")
	}
	if streams.Installed() != nil {
		t.Error("no tee may be installed after a failed start")
	}
	if sh.facility.Active() {
		t.Error("facility must not be started")
	}
	if _, active := c.Active(sh.ID()); active {
		t.Error("state must stay inactive")
	}
	if console.Len() != 0 {
		t.Errorf("expected no status message, got %q", console.String())
	}
}

type failingEvents struct {
	*host.Bus
	failOn host.Event
}

func (f *failingEvents) Register(event host.Event, hook host.Hook) (host.HookID, error) {
	if event == f.failOn {
		return "", errors.New("event source closed")
	}
	return f.Bus.Register(event, hook)
}

func TestController_HookRegistrationFailureRollsBack(t *testing.T) {
	c, streams, _ := newTestController(t)
	sh := newTestShell()
	sh.events = &failingEvents{Bus: sh.bus, failOn: host.PostExecute}

	_, err := c.Start(sh, filepath.Join(t.TempDir(), "log.txt"))
	if err == nil {
		t.Fatal("expected registration error")
	}
	if sh.bus.Len(host.PreExecute) != 0 {
		t.Error("pre_execute hook must be removed again")
	}
	if streams.Installed() != nil {
		t.Error("tee must be uninstalled")
	}
	if sh.facility.Active() {
		t.Error("facility must be stopped")
	}
}

func TestController_RollbackKeepsExistingFile(t *testing.T) {
	c, _, _ := newTestController(t)
	sh := newTestShell()
	sh.events = &failingEvents{Bus: sh.bus, failOn: host.PostExecute}
	path := filepath.Join(t.TempDir(), "log.txt")
	if err := os.WriteFile(path, []byte("earlier session\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Start(sh, path); err == nil {
		t.Fatal("expected registration error")
	}
	if got := readFile(t, path); got != "earlier session\n" {
		t.Errorf("existing transcript changed by a failed start: %q", got)
	}
}

func TestController_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	c, _, console := newTestController(t)
	sh := newTestShell()

	if _, err := c.Start(sh, "~/notebooks/log.py"); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(sh)

	want := filepath.Join(home, "notebooks", "log.py")
	if path, active := c.Active(sh.ID()); !active || path != want {
		t.Errorf("Active = %q, %v; want %q, true", path, active, want)
	}
	if !strings.Contains(console.String(), " Logging to "+want) {
		t.Errorf("expected resolved path in message, got %q", console.String())
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected transcript under home: %v", err)
	}
}

func TestController_StopRestoresAfterFacilityStoppedExternally(t *testing.T) {
	c, streams, _ := newTestController(t)
	sh := newTestShell()

	if _, err := c.Start(sh, filepath.Join(t.TempDir(), "log.txt")); err != nil {
		t.Fatal(err)
	}
	if err := sh.facility.Stop(); err != nil {
		t.Fatal(err)
	}

	if err := c.Stop(sh); err != nil {
		t.Errorf("expected ErrNotActive from the facility to be tolerated, got %v", err)
	}
	if streams.Installed() != nil {
		t.Error("expected streams restored")
	}
}

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{Started, "started"},
		{AlreadyActive, "already active"},
		{AlreadyLogging, "already logging"},
		{Outcome(9), "Outcome(9)"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", int(tt.o), got, tt.want)
		}
	}
}
