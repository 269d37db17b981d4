// Package config loads the service configuration from a base TOML file, an
// optional environment overlay, and SAFEGUARD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/JaimeStill/safeguard/pkg/database"
	"github.com/JaimeStill/safeguard/pkg/storage"
)

const (
	BaseConfigFile       = "config.toml"
	OverlayConfigPattern = "config.%s.toml"

	EnvSafeguardEnv             = "SAFEGUARD_ENV"
	EnvSafeguardShutdownTimeout = "SAFEGUARD_SHUTDOWN_TIMEOUT"
	EnvSafeguardVersion         = "SAFEGUARD_VERSION"
)

var databaseEnv = &database.Env{
	Host:            "SAFEGUARD_DB_HOST",
	Port:            "SAFEGUARD_DB_PORT",
	Name:            "SAFEGUARD_DB_NAME",
	User:            "SAFEGUARD_DB_USER",
	Password:        "SAFEGUARD_DB_PASSWORD",
	SSLMode:         "SAFEGUARD_DB_SSL_MODE",
	MaxOpenConns:    "SAFEGUARD_DB_MAX_OPEN_CONNS",
	MaxIdleConns:    "SAFEGUARD_DB_MAX_IDLE_CONNS",
	ConnMaxLifetime: "SAFEGUARD_DB_CONN_MAX_LIFETIME",
	ConnTimeout:     "SAFEGUARD_DB_CONN_TIMEOUT",
}

var storageEnv = &storage.Env{
	ContainerName:    "SAFEGUARD_STORAGE_CONTAINER_NAME",
	ConnectionString: "SAFEGUARD_STORAGE_CONNECTION_STRING",
	StartupTimeout:   "SAFEGUARD_STORAGE_STARTUP_TIMEOUT",
}

// Config is the root configuration for the Safeguard service.
type Config struct {
	Server          ServerConfig    `toml:"server"`
	Database        database.Config `toml:"database"`
	Storage         storage.Config  `toml:"storage"`
	API             APIConfig       `toml:"api"`
	Pipeline        PipelineConfig  `toml:"pipeline"`
	Generator       GeneratorConfig `toml:"generator"`
	Sync            SyncConfig      `toml:"sync"`
	Notify          NotifyConfig    `toml:"notify"`
	Strikes         StrikesConfig   `toml:"strikes"`
	Telemetry       TelemetryConfig `toml:"telemetry"`
	ShutdownTimeout string          `toml:"shutdown_timeout"`
	Version         string          `toml:"version"`
}

// Env returns the SAFEGUARD_ENV value, defaulting to "local".
func (c *Config) Env() string {
	if env := os.Getenv(EnvSafeguardEnv); env != "" {
		return env
	}
	return "local"
}

// ShutdownTimeoutDuration returns ShutdownTimeout as a time.Duration.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ShutdownTimeout)
	return d
}

// Load reads the base config (if present), applies any environment overlay,
// and finalizes all values. If no config.toml exists, defaults and environment
// variables provide all configuration.
func Load() (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(BaseConfigFile); err == nil {
		loaded, err := load(BaseConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if path := overlayPath(); path != "" {
		overlay, err := load(path)
		if err != nil {
			return nil, fmt.Errorf("load overlay %s: %w", path, err)
		}
		cfg.Merge(overlay)
	}

	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("finalize config: %w", err)
	}

	return cfg, nil
}

// Merge overwrites non-zero fields from overlay across all sub-configs.
func (c *Config) Merge(overlay *Config) {
	if overlay.ShutdownTimeout != "" {
		c.ShutdownTimeout = overlay.ShutdownTimeout
	}
	if overlay.Version != "" {
		c.Version = overlay.Version
	}
	c.Server.Merge(&overlay.Server)
	c.Database.Merge(&overlay.Database)
	c.Storage.Merge(&overlay.Storage)
	c.API.Merge(&overlay.API)
	c.Pipeline.Merge(&overlay.Pipeline)
	c.Generator.Merge(&overlay.Generator)
	c.Sync.Merge(&overlay.Sync)
	c.Notify.Merge(&overlay.Notify)
	c.Strikes.Merge(&overlay.Strikes)
	c.Telemetry.Merge(&overlay.Telemetry)
}

func (c *Config) finalize() error {
	c.loadDefaults()
	c.loadEnv()

	if err := c.validate(); err != nil {
		return err
	}

	sections := []struct {
		name     string
		finalize func() error
	}{
		{"server", c.Server.Finalize},
		{"database", func() error { return c.Database.Finalize(databaseEnv) }},
		{"storage", func() error { return c.Storage.Finalize(storageEnv) }},
		{"api", c.API.Finalize},
		{"pipeline", c.Pipeline.Finalize},
		{"generator", c.Generator.Finalize},
		{"sync", c.Sync.Finalize},
		{"notify", c.Notify.Finalize},
		{"strikes", c.Strikes.Finalize},
		{"telemetry", c.Telemetry.Finalize},
	}
	for _, s := range sections {
		if err := s.finalize(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func (c *Config) loadDefaults() {
	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = "30s"
	}
	if c.Version == "" {
		c.Version = "0.1.0"
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvSafeguardShutdownTimeout); v != "" {
		c.ShutdownTimeout = v
	}
	if v := os.Getenv(EnvSafeguardVersion); v != "" {
		c.Version = v
	}
}

func (c *Config) validate() error {
	if _, err := time.ParseDuration(c.ShutdownTimeout); err != nil {
		return fmt.Errorf("invalid shutdown_timeout: %w", err)
	}
	return nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

func overlayPath() string {
	if env := os.Getenv(EnvSafeguardEnv); env != "" {
		path := fmt.Sprintf(OverlayConfigPattern, env)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ParseSpan parses a Go duration or a whole number of days such as "30d".
func ParseSpan(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid span %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid span %q: %w", s, err)
	}
	return d, nil
}

func mustSpan(s string) time.Duration {
	d, _ := ParseSpan(s)
	return d
}

// splitList splits a comma-separated env value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
