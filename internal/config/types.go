package config

import (
	"os"
	"time"
)

// DefaultPluginDirEnv is the environment variable naming the plugin source
// directories, as a path list (":" separated on Unix).
const DefaultPluginDirEnv = "DIOPTRA_PLUGIN_DIR"

// Config represents the complete dioptra task runtime configuration.
type Config struct {
	Include []string      `yaml:"include,omitempty"`
	Service ServiceConfig `yaml:"service"`
	Plugins PluginsConfig `yaml:"plugins"`
	State   StateConfig   `yaml:"state"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// PluginsConfig defines where task plugins come from and how they run.
type PluginsConfig struct {
	// Dirs is a path list of plugin source directories. The environment
	// variable named by EnvVar takes precedence when set and non-empty.
	Dirs            string        `yaml:"dirs,omitempty"`
	EnvVar          string        `yaml:"env_var,omitempty"`
	TaskTimeout     time.Duration `yaml:"task_timeout,omitempty"`
	VerifyChecksums bool          `yaml:"verify_checksums,omitempty"`
}

// StateConfig defines the invocation log database.
type StateConfig struct {
	Path string `yaml:"path"`
	// Disabled turns the sqlite invocation log off.
	Disabled bool `yaml:"disabled,omitempty"`
}

// PluginDirValue returns the raw plugin directory configuration value. It is
// re-read on every call so each scoped acquisition sees the current value.
func (c *Config) PluginDirValue() string {
	envVar := c.Plugins.EnvVar
	if envVar == "" {
		envVar = DefaultPluginDirEnv
	}
	if v, ok := os.LookupEnv(envVar); ok && v != "" {
		return v
	}
	return c.Plugins.Dirs
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "dioptra-task",
			LogLevel: "info",
		},
		Plugins: PluginsConfig{
			EnvVar:      DefaultPluginDirEnv,
			TaskTimeout: 10 * time.Minute,
		},
		State: StateConfig{
			Path: "./data/invocations.db",
		},
	}
}
