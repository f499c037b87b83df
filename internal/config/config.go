// ABOUTME: Configuration loading and parsing for the messenger local store
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete local-store configuration
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds database location configuration
type StorageConfig struct {
	// SharedDir is the container directory shared across the app and its
	// extensions. Required.
	SharedDir string `yaml:"shared_dir"`
	// LegacyDir is the old app-private directory; a database found there
	// is migrated to SharedDir on first open.
	LegacyDir string `yaml:"legacy_dir"`
	// Filename is the database filename stem
	Filename string `yaml:"filename"`
}

// JobsConfig holds maintenance-job timing configuration
type JobsConfig struct {
	ExpiryCheckInterval time.Duration `yaml:"-"`
	DedupTTL            time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ExpiryCheckIntervalRaw string `yaml:"expiry_check_interval"`
	DedupTTLRaw            string `yaml:"dedup_ttl"`

	BatchSize       int `yaml:"batch_size"`
	DedupMaxEntries int `yaml:"dedup_max_entries"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Storage.SharedDir == "" {
		return fmt.Errorf("storage.shared_dir is required")
	}
	if c.Jobs.BatchSize < 0 {
		return fmt.Errorf("jobs.batch_size must not be negative")
	}
	if c.Jobs.DedupMaxEntries < 0 {
		return fmt.Errorf("jobs.dedup_max_entries must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Jobs.ExpiryCheckIntervalRaw != "" {
		cfg.Jobs.ExpiryCheckInterval, err = time.ParseDuration(cfg.Jobs.ExpiryCheckIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing expiry_check_interval %q: %w", cfg.Jobs.ExpiryCheckIntervalRaw, err)
		}
	}

	if cfg.Jobs.DedupTTLRaw != "" {
		cfg.Jobs.DedupTTL, err = time.ParseDuration(cfg.Jobs.DedupTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedup_ttl %q: %w", cfg.Jobs.DedupTTLRaw, err)
		}
	}

	return nil
}
