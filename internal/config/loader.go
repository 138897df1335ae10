package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses configuration from a file. A directory may be given
// instead, in which case config.yaml inside it is loaded.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", absPath, err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills zero values the yaml file left unset.
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = def.Service.LogFormat
	}
	if cfg.Run.Workers == 0 {
		cfg.Run.Workers = def.Run.Workers
	}
	if cfg.Run.RepeatEach == 0 {
		cfg.Run.RepeatEach = def.Run.RepeatEach
	}
	if cfg.Run.Timeout == 0 {
		cfg.Run.Timeout = def.Run.Timeout
	}
	if cfg.SuitesDir == "" {
		cfg.SuitesDir = def.SuitesDir
	}
	if cfg.History.Path == "" {
		cfg.History.Path = def.History.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
}

// Validate checks a configuration for values the runtime cannot work with.
func Validate(cfg *Config) error {
	if cfg.Run.Workers < 1 {
		return fmt.Errorf("run.workers must be at least 1, got %d", cfg.Run.Workers)
	}
	if cfg.Run.MaxFailures < 0 {
		return fmt.Errorf("run.max_failures must not be negative, got %d", cfg.Run.MaxFailures)
	}
	if cfg.Run.RepeatEach < 1 {
		return fmt.Errorf("run.repeat_each must be at least 1, got %d", cfg.Run.RepeatEach)
	}
	if cfg.Run.Timeout < 0 {
		return fmt.Errorf("run.timeout must not be negative, got %v", cfg.Run.Timeout)
	}
	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	return nil
}
