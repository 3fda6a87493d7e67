// Package config loads and validates the mirror run configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Filters configures the package/release/file admission rules (C3).
type Filters struct {
	AllowPatterns  []string `yaml:"allow_patterns,omitempty"`
	DenyPatterns   []string `yaml:"deny_patterns,omitempty"`
	RequiresPython string   `yaml:"requires_python,omitempty"`
	Platforms      []string `yaml:"platforms,omitempty"`
}

// Config is the complete run configuration for a mirror session.
type Config struct {
	UpstreamURL string `yaml:"upstream_url"`
	StorageDir  string `yaml:"storage_dir"`

	Workers       int  `yaml:"workers"`
	StopOnError   bool `yaml:"stop_on_error"`
	HashIndex     bool `yaml:"hash_index"`
	SaveJSON      bool `yaml:"save_json"`
	Cleanup       bool `yaml:"cleanup"`
	DigestName    string `yaml:"digest_name"`
	RootURI       string `yaml:"root_uri,omitempty"`

	KeepIndexVersions int `yaml:"keep_index_versions"`

	DiffFile      string `yaml:"diff_file,omitempty"`
	DiffAppendEpoch bool `yaml:"diff_append_epoch"`

	LockTimeout    time.Duration `yaml:"lock_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	GlobalTimeout  time.Duration `yaml:"global_timeout"`

	Filters Filters `yaml:"filters"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses config YAML data, validates it, and fills in defaults.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks that the config is well-formed.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url is required")
	}
	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Workers > 10 {
		return fmt.Errorf("workers must not exceed 10, got %d", c.Workers)
	}
	if c.KeepIndexVersions < 0 {
		return fmt.Errorf("keep_index_versions must not be negative, got %d", c.KeepIndexVersions)
	}
	if c.DigestName == "" {
		return fmt.Errorf("digest_name is required")
	}
	return nil
}

// applyDefaults fills in default values where not specified.
func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = 3
	}
	if c.DigestName == "" {
		c.DigestName = "sha256"
	}
	if c.KeepIndexVersions == 0 {
		c.KeepIndexVersions = 10
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = time.Minute
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.GlobalTimeout == 0 {
		c.GlobalTimeout = 18 * time.Hour
	}
}
