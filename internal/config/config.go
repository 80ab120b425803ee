// Package config provides YAML configuration loading and validation for the
// anotifyd daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/anotify"
)

// Config is the top-level configuration structure for anotifyd.
type Config struct {
	// Watches is the list of paths the daemon subscribes to. At least one
	// entry is required.
	Watches []WatchRule `yaml:"watches"`

	// Buffer is the channel capacity used for the notifier's request queue
	// and each subscription. Defaults to 32 when omitted.
	Buffer int `yaml:"buffer"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// APIAddr is the listen address for the HTTP API
	// (e.g. "127.0.0.1:9600"). Defaults to "127.0.0.1:9600" when omitted.
	APIAddr string `yaml:"api_addr"`

	// JWTPublicKeyPath is the path to a PEM-encoded RSA public key used to
	// verify RS256 Bearer tokens on /api routes. When empty, the API runs
	// without authentication (suitable for localhost-only deployments).
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// Journal selects and configures the event journal backend.
	Journal JournalConfig `yaml:"journal"`

	// OplogPath is the path of the append-only operations log. Empty
	// disables the oplog.
	OplogPath string `yaml:"oplog_path"`
}

// JournalConfig selects the journal backend.
type JournalConfig struct {
	// Driver is "sqlite" or "postgres". Defaults to "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Defaults to
	// "/var/lib/anotifyd/journal.db". Ignored for postgres.
	Path string `yaml:"path"`

	// DSN is the postgres connection string. Required when Driver is
	// "postgres"; ignored otherwise.
	DSN string `yaml:"dsn"`
}

// WatchRule describes one subscription the daemon maintains.
type WatchRule struct {
	// Name is a human-readable identifier for this rule
	// (e.g. "etc-passwd"). Required.
	Name string `yaml:"name"`

	// Path is the file or directory to watch. Required.
	Path string `yaml:"path"`

	// Filter lists the event classes to subscribe to, using the names
	// produced by anotify.Filter.String ("write", "close-write", "move",
	// ...). Empty means the library default.
	Filter []string `yaml:"filter"`
}

// ParsedFilter converts the rule's filter names into an anotify.Filter.
func (r WatchRule) ParsedFilter() (anotify.Filter, error) {
	return anotify.ParseFilter(r.Filter)
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDrivers is the set of accepted journal drivers.
var validDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. When validation fails, the
// returned error joins every validation failure found.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = "127.0.0.1:9600"
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.Driver == "sqlite" && cfg.Journal.Path == "" {
		cfg.Journal.Path = "/var/lib/anotifyd/journal.db"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Watches) == 0 {
		errs = append(errs, errors.New("at least one watch rule is required"))
	}
	if cfg.Buffer < 0 {
		errs = append(errs, fmt.Errorf("buffer %d must not be negative", cfg.Buffer))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validDrivers[cfg.Journal.Driver] {
		errs = append(errs, fmt.Errorf("journal.driver %q must be one of: sqlite, postgres", cfg.Journal.Driver))
	}
	if cfg.Journal.Driver == "postgres" && cfg.Journal.DSN == "" {
		errs = append(errs, errors.New("journal.dsn is required for the postgres driver"))
	}

	for i, r := range cfg.Watches {
		prefix := fmt.Sprintf("watches[%d]", i)
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if r.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		}
		if _, err := r.ParsedFilter(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}
