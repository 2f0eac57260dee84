// Package config loads nblog's settings file.
//
// The file is YAML (config.yaml / config.yml) or TOML (config.toml), chosen
// by extension. A missing file yields defaults; flags override either.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/nblog/paths"
)

const (
	DefaultShell  = "sh"
	DefaultPrompt = "In [%d]: "
)

// Config holds the application configuration
type Config struct {
	Transcript string `yaml:"transcript,omitempty" toml:"transcript,omitempty"` // Transcript path used when autostart is on
	Autostart  bool   `yaml:"autostart,omitempty" toml:"autostart,omitempty"`   // Start logging as soon as the shell starts
	Shell      string `yaml:"shell,omitempty" toml:"shell,omitempty"`           // Program evaluating each unit with -c
	Prompt     string `yaml:"prompt,omitempty" toml:"prompt,omitempty"`         // Input prompt, %d is the execution count
	Debug      bool   `yaml:"debug,omitempty" toml:"debug,omitempty"`           // Debug level diagnostics

	mu       sync.RWMutex
	filePath string
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Shell:  DefaultShell,
		Prompt: DefaultPrompt,
	}
}

type format int

const (
	formatYAML format = iota
	formatTOML
)

func formatFor(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".toml":
		return formatTOML, nil
	default:
		return 0, errors.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// Load reads the config at path. A missing file is not an error.
func Load(path string) (*Config, error) {
	f, err := formatFor(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.filePath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	switch f {
	case formatYAML:
		err = yaml.Unmarshal(data, cfg)
	case formatTOML:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// LoadDefault loads config.yaml from the config directory, falling back to
// config.toml when only that exists.
func LoadDefault() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		alt := strings.TrimSuffix(path, filepath.Ext(path)) + ".toml"
		if _, err := os.Stat(alt); err == nil {
			path = alt
		}
	}
	return Load(path)
}

// applyDefaults fills fields a file left empty. Only called from Load,
// before the Config is shared.
func (c *Config) applyDefaults() {
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.Prompt == "" {
		c.Prompt = DefaultPrompt
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if strings.TrimSpace(c.Shell) == "" {
		return errors.New("shell must not be empty")
	}
	if n := strings.Count(c.Prompt, "%d"); n > 1 {
		return errors.Errorf("prompt may contain at most one %%d, found %d", n)
	}
	if c.Autostart && c.Transcript == "" {
		return errors.New("autostart requires a transcript path")
	}
	return nil
}

// Save writes the config to its file path in the format its extension names.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		return errors.New("config has no file path")
	}
	f, err := formatFor(c.filePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}

	var data []byte
	switch f {
	case formatYAML:
		data, err = yaml.Marshal(c)
	case formatTOML:
		data, err = toml.Marshal(c)
	}
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	return os.WriteFile(c.filePath, data, 0644)
}

// FilePath returns the path the config was loaded from.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}
