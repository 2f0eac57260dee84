// Package exec runs the commands behind execution units.
// Production code uses RealExecutor, while tests inject a MockExecutor
// that writes pre-recorded output.
package exec

import (
	"context"
	"io"
	"os/exec"
	"slices"
	"sync"
)

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Stream runs a command with its output connected to stdout and stderr
	// and waits for it. All output has been written when Stream returns.
	Stream(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error
}

// RealExecutor executes commands using os/exec.
type RealExecutor struct{}

// NewRealExecutor returns a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// Stream runs name with args in dir.
func (e *RealExecutor) Stream(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// MockResponse defines the output and result of a mocked command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// CommandMatcher is a function that determines if a command matches.
type CommandMatcher func(dir, name string, args []string) bool

// MockRule defines a matching rule and its response.
type MockRule struct {
	Match    CommandMatcher
	Response MockResponse
}

// MockCall records a command invocation for verification.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

// MockExecutor returns pre-recorded responses for commands.
// Commands are matched in order of rule registration.
type MockExecutor struct {
	mu       sync.RWMutex
	rules    []MockRule
	calls    []MockCall
	fallback CommandExecutor
}

// NewMockExecutor creates a new MockExecutor.
// If fallback is provided, unmatched commands will be delegated to it.
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{fallback: fallback}
}

// AddRule adds a matching rule with its response.
func (e *MockExecutor) AddRule(match CommandMatcher, response MockResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, MockRule{Match: match, Response: response})
}

// AddExactMatch adds a rule that matches a specific command exactly.
func (e *MockExecutor) AddExactMatch(name string, args []string, response MockResponse) {
	e.AddRule(func(dir, n string, a []string) bool {
		return n == name && slices.Equal(a, args)
	}, response)
}

// AddScript adds a rule matching `<shell> -c <script>`, the way the
// interactive shell evaluates a unit.
func (e *MockExecutor) AddScript(shell, script string, response MockResponse) {
	e.AddExactMatch(shell, []string{"-c", script}, response)
}

// GetCalls returns all recorded command invocations.
func (e *MockExecutor) GetCalls() []MockCall {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.calls)
}

// ClearCalls clears the recorded command invocations.
func (e *MockExecutor) ClearCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

func (e *MockExecutor) findMatch(dir, name string, args []string) *MockResponse {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if rule.Match(dir, name, args) {
			return &rule.Response
		}
	}
	return nil
}

func (e *MockExecutor) recordCall(dir, name string, args []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, MockCall{Dir: dir, Name: name, Args: args})
}

// Stream writes the matched response's output, stdout first.
func (e *MockExecutor) Stream(ctx context.Context, dir string, stdout, stderr io.Writer, name string, args ...string) error {
	e.recordCall(dir, name, args)

	if resp := e.findMatch(dir, name, args); resp != nil {
		if len(resp.Stdout) > 0 {
			if _, err := stdout.Write(resp.Stdout); err != nil {
				return err
			}
		}
		if len(resp.Stderr) > 0 {
			if _, err := stderr.Write(resp.Stderr); err != nil {
				return err
			}
		}
		return resp.Err
	}

	if e.fallback != nil {
		return e.fallback.Stream(ctx, dir, stdout, stderr, name, args...)
	}

	// Default: no output, success
	return nil
}

// Ensure implementations satisfy the interface.
var _ CommandExecutor = (*RealExecutor)(nil)
var _ CommandExecutor = (*MockExecutor)(nil)
