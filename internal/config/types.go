package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml scalars like "30s"
// or "2m", or from plain integers taken as nanoseconds. It serializes to
// JSON as nanoseconds, matching time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	// Integers first: yaml decodes any scalar into a string, so the string
	// branch would otherwise swallow them.
	var i int64
	if err := n.Decode(&i); err == nil {
		*d = Duration(i)
		return nil
	}
	var s string
	if err := n.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	return fmt.Errorf("invalid duration value at line %d", n.Line)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete loom configuration.
type Config struct {
	Service   ServiceConfig `yaml:"service"`
	Run       RunConfig     `yaml:"run"`
	SuitesDir string        `yaml:"suites_dir"`
	History   HistoryConfig `yaml:"history,omitempty"`
	API       APIConfig     `yaml:"api,omitempty"`

	// WorkerDebug routes worker stderr to the parent's stderr instead of
	// discarding it.
	WorkerDebug bool `yaml:"worker_debug,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// RunConfig defines how a test run is executed.
type RunConfig struct {
	// Workers caps the number of live worker subprocesses.
	Workers int `yaml:"workers"`
	// MaxFailures triggers a graceful stop once that many unexpected
	// failures have completed. Zero disables fail-fast.
	MaxFailures int `yaml:"max_failures"`
	// RepeatEach runs every suite this many times.
	RepeatEach int `yaml:"repeat_each"`
	// Timeout is the per-test default when a suite does not set one.
	Timeout Duration `yaml:"timeout"`
}

// HistoryConfig defines the run-history database settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig defines the status/event HTTP server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "loom",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Run: RunConfig{
			Workers:     4,
			MaxFailures: 0,
			RepeatEach:  1,
			Timeout:     Duration(30 * time.Second),
		},
		SuitesDir: "./suites",
		History: HistoryConfig{
			Enabled: false,
			Path:    "./data/history.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8900",
		},
	}
}
