// Package transcript holds the framing text written into transcript files.
package transcript

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	// Shebang opens a transcript file that did not exist before.
	Shebang = "#!/usr/bin/env python"
	// Banner names the kind of file on its third line.
	Banner = "# IPython automatic logging file"
	// Separator delimits session headers.
	Separator = "# ================================="
	// Rule is the banner written after every execution unit.
	Rule = "######################"
	// TimeLayout formats the header timestamp.
	TimeLayout = "15:04:05"
)

// HeaderLines returns the session header for the transcript at path.
//
// A new file gets the shebang, "# <basename>" and the banner; an existing
// file gets a single separator instead. Both end with the timestamp and a
// separator.
func HeaderLines(path string, existed bool, now time.Time) []string {
	var lines []string
	if existed {
		lines = append(lines, Separator)
	} else {
		lines = append(lines, Shebang, "# "+filepath.Base(path), Banner)
	}
	return append(lines, "# "+now.Format(TimeLayout), Separator)
}

// Header is HeaderLines joined with newlines, each line terminated.
func Header(path string, existed bool, now time.Time) string {
	return joinLines(HeaderLines(path, existed, now))
}

// Footer returns the text written after every execution unit: an empty
// line, the rule, and another empty line.
func Footer() string {
	return joinLines([]string{"", Rule, ""})
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n") + "\n"
}
