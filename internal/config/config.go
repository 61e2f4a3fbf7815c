// Package config provides YAML configuration loading and validation for the
// fwatch agent.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPollInterval is used when poll_interval is omitted.
	DefaultPollInterval = time.Second
	// MinPollInterval is the smallest accepted poll_interval.
	MinPollInterval = 10 * time.Millisecond
	// DefaultAPIAddr is used when api_addr is omitted.
	DefaultAPIAddr = "127.0.0.1:9000"
	// APIDisabled as api_addr turns the HTTP API off.
	APIDisabled = "off"
)

// Config is the top-level configuration structure for the fwatch agent.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// PollInterval is the time between two polls of every target
	// (e.g. "500ms"). Defaults to one second.
	PollInterval time.Duration `yaml:"poll_interval"`

	// APIAddr is the listen address of the HTTP API. "off" disables it.
	APIAddr string `yaml:"api_addr"`

	// QueuePath is the SQLite database holding queued change events.
	// Empty disables the queue.
	QueuePath string `yaml:"queue_path"`

	// AuditPath is the hash-chained audit log file. Empty disables it.
	AuditPath string `yaml:"audit_path"`

	// Postgres configures the optional PostgreSQL event recorder.
	Postgres PostgresConfig `yaml:"postgres"`

	// Auth configures JWT authentication for the /api routes.
	Auth AuthConfig `yaml:"auth"`

	// Targets is the list of paths to watch.
	Targets []TargetConfig `yaml:"targets"`
}

// PostgresConfig holds the settings of the PostgreSQL recorder.
type PostgresConfig struct {
	// DSN is the connection string. Empty disables the recorder.
	DSN string `yaml:"dsn"`
	// BatchSize is the number of events buffered before a flush.
	// 0 uses the recorder's default.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval bounds how long an event may sit in the buffer.
	// 0 uses the recorder's default.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AuthConfig holds the JWT verification settings of the HTTP API.
type AuthConfig struct {
	// JWTPublicKeyPath is a PEM RSA public key. Empty disables JWT checks.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
	// Issuer, if set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`
	// Audience, if set, must appear in the token's aud claim.
	Audience string `yaml:"audience"`
}

// TargetConfig describes a single watched path.
type TargetConfig struct {
	// Name identifies the target in events and API calls. Required, unique.
	Name string `yaml:"name"`
	// Path is watched verbatim. Required.
	Path string `yaml:"path"`
	// Severity is one of "INFO", "WARN", or "CRITICAL". Defaults to "INFO".
	Severity string `yaml:"severity"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSeverities = map[string]bool{
	"INFO":     true,
	"WARN":     true,
	"CRITICAL": true,
}

// ValidSeverity reports whether s is an accepted severity string.
func ValidSeverity(s string) bool { return validSeverities[s] }

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates it. Unknown keys are rejected. All validation
// failures are reported together.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-value optional fields.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = DefaultAPIAddr
	}
	for i := range cfg.Targets {
		if cfg.Targets[i].Severity == "" {
			cfg.Targets[i].Severity = "INFO"
		}
	}
}

// Validate checks required fields and enumerated values.
func Validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.PollInterval < MinPollInterval {
		errs = append(errs, fmt.Errorf("poll_interval %s must be at least %s", cfg.PollInterval, MinPollInterval))
	}
	if cfg.Postgres.BatchSize < 0 {
		errs = append(errs, errors.New("postgres.batch_size must not be negative"))
	}
	if cfg.Postgres.FlushInterval < 0 {
		errs = append(errs, errors.New("postgres.flush_interval must not be negative"))
	}

	seen := make(map[string]bool, len(cfg.Targets))
	for i, t := range cfg.Targets {
		prefix := fmt.Sprintf("targets[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[t.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", prefix, t.Name))
		}
		seen[t.Name] = true
		if t.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		}
		if !validSeverities[t.Severity] {
			errs = append(errs, fmt.Errorf("%s: severity %q must be one of: INFO, WARN, CRITICAL", prefix, t.Severity))
		}
	}

	return errors.Join(errs...)
}

// APIEnabled reports whether the HTTP API should be served.
func (c *Config) APIEnabled() bool { return c.APIAddr != APIDisabled }
