// Package config loads service configuration from an optional YAML file and
// environment variable overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the complete service configuration.
type Config struct {
	Receiver ReceiverConfig `yaml:"receiver"`
	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ReceiverConfig configures the OTLP/HTTP endpoint.
type ReceiverConfig struct {
	Addr         string `yaml:"addr"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// APIConfig configures the read API.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend    string           `yaml:"backend"`
	SQLitePath string           `yaml:"sqlite_path"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig configures the optional raw metric mirror. An empty
// address disables it.
type ClickHouseConfig struct {
	Addr          string        `yaml:"addr"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Enabled reports whether the mirror is configured.
func (c ClickHouseConfig) Enabled() bool {
	return c.Addr != ""
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Verbose bool   `yaml:"verbose"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Receiver: ReceiverConfig{
			Addr:         "0.0.0.0:4318",
			MaxBodyBytes: 16 << 20,
		},
		API: APIConfig{
			Addr: "0.0.0.0:8080",
		},
		Storage: StorageConfig{
			Backend:    BackendSQLite,
			SQLitePath: "data/usage.db",
			ClickHouse: ClickHouseConfig{
				Database: "default",
				Username: "default",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	getEnv := func(key string, dst *string) {
		if value, ok := lookup(key); ok && value != "" {
			*dst = value
		}
	}

	getEnv("OTLP_HTTP_ADDR", &c.Receiver.Addr)
	getEnv("API_ADDR", &c.API.Addr)
	getEnv("STORAGE_BACKEND", &c.Storage.Backend)
	getEnv("SQLITE_PATH", &c.Storage.SQLitePath)
	getEnv("CLICKHOUSE_ADDR", &c.Storage.ClickHouse.Addr)
	getEnv("CLICKHOUSE_DATABASE", &c.Storage.ClickHouse.Database)
	getEnv("CLICKHOUSE_USERNAME", &c.Storage.ClickHouse.Username)
	getEnv("CLICKHOUSE_PASSWORD", &c.Storage.ClickHouse.Password)
	getEnv("LOG_LEVEL", &c.Logging.Level)
	getEnv("LOG_FORMAT", &c.Logging.Format)

	if value, ok := lookup("VERBOSE_LOGGING"); ok && value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("VERBOSE_LOGGING: %w", err)
		}
		c.Logging.Verbose = b
	}
	if value, ok := lookup("MAX_BODY_BYTES"); ok && value != "" {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_BODY_BYTES: %w", err)
		}
		c.Receiver.MaxBodyBytes = n
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Receiver.Addr == "" {
		errs = append(errs, errors.New("receiver.addr cannot be empty"))
	}
	if c.Receiver.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("receiver.max_body_bytes must be positive"))
	}
	if c.API.Addr == "" {
		errs = append(errs, errors.New("api.addr cannot be empty"))
	}

	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path cannot be empty for the sqlite backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend: %q (supported: sqlite, memory)", c.Storage.Backend))
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format: %q (supported: text, json)", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the slog logger described by the logging section.
func (c LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if c.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level: %q", s)
	}
	return level, nil
}
