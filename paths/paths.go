// Package paths resolves the filesystem locations nblog reads and writes.
//
// Two kinds of locations exist:
//
//   - Config (XDG_CONFIG_HOME): config.yaml or config.toml
//   - State (XDG_STATE_HOME): logs/ with the diagnostic log
//
// Resolution order:
//  1. If ~/.nblog/ exists → use the flat layout (all paths under ~/.nblog/)
//  2. If XDG env vars are set → use the XDG layout
//  3. Otherwise default to ~/.nblog/
//
// Transcript paths are chosen by the user and only pass through Expand.
package paths

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	configDir string
	stateDir  string
	flat      bool
}

// resolve computes the path layout once and caches it.
func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	flatDir := filepath.Join(home, ".nblog")

	if info, err := os.Stat(flatDir); err == nil && info.IsDir() {
		resolved = &resolvedPaths{configDir: flatDir, stateDir: flatDir, flat: true}
		return resolved, nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")

	if xdgConfig != "" || xdgState != "" {
		if xdgConfig == "" {
			xdgConfig = filepath.Join(home, ".config")
		}
		if xdgState == "" {
			xdgState = filepath.Join(home, ".local", "state")
		}
		resolved = &resolvedPaths{
			configDir: filepath.Join(xdgConfig, "nblog"),
			stateDir:  filepath.Join(xdgState, "nblog"),
		}
		return resolved, nil
	}

	resolved = &resolvedPaths{configDir: flatDir, stateDir: flatDir, flat: true}
	return resolved, nil
}

// ConfigDir returns the directory holding the config file.
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.configDir, nil
}

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

// ConfigFilePath returns the full path to the default config.yaml.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LogsDir returns the directory for diagnostic log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// IsFlatLayout returns true if using the ~/.nblog/ flat layout.
func IsFlatLayout() bool {
	r, err := resolve()
	if err != nil {
		return true
	}
	return r.flat
}

// Expand replaces a leading "~" with the user's home directory and makes
// the result absolute relative to the current working directory.
// "~user" forms are left alone.
func Expand(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// Reset clears the cached path resolution. This is intended for testing only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
