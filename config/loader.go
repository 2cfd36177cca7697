package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by ApplyEnv.
const (
	EnvRoot      = "PROMPTS_MCP_ROOT"
	EnvResources = "PROMPTS_MCP_RESOURCES"
	EnvState     = "PROMPTS_MCP_STATE"
	EnvLogLevel  = "LOG_LEVEL"
)

// DefaultFileName is the config file looked up when no --config flag is given.
const DefaultFileName = "promptmcp.yaml"

// Load reads the configuration file at path, merges it over Defaults,
// applies environment overrides, and validates the result. When path is
// empty, DefaultFileName is tried in the server root; a missing default
// file is not an error and yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(RootDir(), DefaultFileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults only.
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RootDir returns the server root directory: PROMPTS_MCP_ROOT when set,
// otherwise the current working directory.
func RootDir() string {
	if root := os.Getenv(EnvRoot); root != "" {
		return root
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// ApplyEnv overwrites path and logging settings from the process environment.
// Environment variables win over file values so deployments can relocate
// state without editing the config file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvResources); v != "" {
		c.Resources.Path = v
	}
	if v := os.Getenv(EnvState); v != "" {
		c.State.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// ResourcesDir returns the absolute resources directory, resolving a
// relative configured path against the server root.
func (c *Config) ResourcesDir() string {
	return absAgainstRoot(c.Resources.Path)
}

// StateDir returns the absolute runtime-state directory, resolving a
// relative configured path against the server root.
func (c *Config) StateDir() string {
	return absAgainstRoot(c.State.Path)
}

func absAgainstRoot(p string) string {
	if p == "" {
		return RootDir()
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(RootDir(), p)
}
