// Package cli checks the external programs nblog depends on.
package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Prerequisite is an external program nblog runs.
type Prerequisite struct {
	Name        string // Command name or path (e.g., "sh", "/bin/bash")
	Required    bool
	Description string
}

// ShellPrerequisites returns the programs needed to evaluate units with
// program.
func ShellPrerequisites(program string) []Prerequisite {
	return []Prerequisite{
		{
			Name:        program,
			Required:    true,
			Description: "shell evaluating each execution unit",
		},
	}
}

// CheckResult is the outcome of looking up one prerequisite.
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Resolved executable path if found
	Error        error
}

// Check looks prereq up in PATH.
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = errors.Wrapf(err, "%s not found", prereq.Name)
		return result
	}
	result.Found = true
	result.Path = path
	return result
}

// CheckAll checks every prerequisite in order.
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired returns an error listing every required program that
// cannot be found.
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string
	for _, result := range CheckAll(prereqs) {
		if result.Found || !result.Prerequisite.Required {
			continue
		}
		missing = append(missing, fmt.Sprintf("  - %s (%s)", result.Prerequisite.Name, result.Prerequisite.Description))
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required programs:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}
