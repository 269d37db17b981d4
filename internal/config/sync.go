package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/JaimeStill/safeguard/internal/scheduler"
	"github.com/JaimeStill/safeguard/internal/sources"
	"github.com/JaimeStill/safeguard/pkg/formatting"
)

const (
	EnvSyncInterval       = "SAFEGUARD_SYNC_INTERVAL"
	EnvSyncMaxAttempts    = "SAFEGUARD_SYNC_MAX_ATTEMPTS"
	EnvSyncInitialBackoff = "SAFEGUARD_SYNC_INITIAL_BACKOFF"
	EnvSyncMaxBackoff     = "SAFEGUARD_SYNC_MAX_BACKOFF"

	// EnvSyncSourceTokenPattern names the bearer token variable of a source,
	// e.g. SAFEGUARD_SYNC_ROSTER_TOKEN for the source "roster".
	EnvSyncSourceTokenPattern = "SAFEGUARD_SYNC_%s_TOKEN"
)

// SourceConfig describes one external observation source.
type SourceConfig struct {
	Name     string `toml:"name"`
	Kind     string `toml:"kind"`
	URL      string `toml:"url"`
	AckURL   string `toml:"ack_url"`
	Token    string `toml:"token"`
	Interval string `toml:"interval"`
	MaxBytes string `toml:"max_bytes"`
	Timezone string `toml:"timezone"`
}

// SyncConfig holds the sync scheduler settings and its sources.
type SyncConfig struct {
	Interval       string         `toml:"interval"`
	MaxAttempts    uint           `toml:"max_attempts"`
	InitialBackoff string         `toml:"initial_backoff"`
	MaxBackoff     string         `toml:"max_backoff"`
	Sources        []SourceConfig `toml:"sources"`
}

// Retry returns the runner retry policy.
func (c *SyncConfig) Retry() scheduler.RetryConfig {
	return scheduler.RetryConfig{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: mustSpan(c.InitialBackoff),
		MaxBackoff:     mustSpan(c.MaxBackoff),
	}
}

// SourceSpec pairs a source configuration with its poll interval.
type SourceSpec struct {
	Source   sources.Config
	Interval time.Duration
}

// Specs returns the adapter configuration of every source.
func (c *SyncConfig) Specs() []SourceSpec {
	specs := make([]SourceSpec, len(c.Sources))
	for i, s := range c.Sources {
		loc, _ := time.LoadLocation(s.Timezone)
		size, _ := formatting.ParseBytes(s.MaxBytes)
		specs[i] = SourceSpec{
			Source: sources.Config{
				Name:     s.Name,
				Kind:     s.Kind,
				URL:      s.URL,
				Token:    s.Token,
				AckURL:   s.AckURL,
				MaxBytes: size,
				Location: loc,
			},
			Interval: mustSpan(s.Interval),
		}
	}
	return specs
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *SyncConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay. Sources are replaced as a
// whole when the overlay names any.
func (c *SyncConfig) Merge(overlay *SyncConfig) {
	mergeString(&c.Interval, overlay.Interval)
	mergeString(&c.InitialBackoff, overlay.InitialBackoff)
	mergeString(&c.MaxBackoff, overlay.MaxBackoff)
	if overlay.MaxAttempts != 0 {
		c.MaxAttempts = overlay.MaxAttempts
	}
	if len(overlay.Sources) > 0 {
		c.Sources = overlay.Sources
	}
}

func (c *SyncConfig) loadDefaults() {
	defaultString(&c.Interval, "6h")
	defaultString(&c.InitialBackoff, "1s")
	defaultString(&c.MaxBackoff, "1m")
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}

	for i := range c.Sources {
		s := &c.Sources[i]
		defaultString(&s.Interval, c.Interval)
		defaultString(&s.MaxBytes, "10MB")
		defaultString(&s.Timezone, "UTC")
	}
}

func (c *SyncConfig) loadEnv() {
	envString(&c.Interval, EnvSyncInterval)
	envString(&c.InitialBackoff, EnvSyncInitialBackoff)
	envString(&c.MaxBackoff, EnvSyncMaxBackoff)
	if v := os.Getenv(EnvSyncMaxAttempts); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.MaxAttempts = uint(n)
		}
	}

	for i := range c.Sources {
		s := &c.Sources[i]
		name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s.Name))
		envString(&s.Token, fmt.Sprintf(EnvSyncSourceTokenPattern, name))
	}
}

func (c *SyncConfig) validate() error {
	for name, v := range map[string]string{
		"interval":        c.Interval,
		"initial_backoff": c.InitialBackoff,
		"max_backoff":     c.MaxBackoff,
	} {
		if _, err := ParseSpan(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source name required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source: %s", s.Name)
		}
		seen[s.Name] = true

		if s.Kind != sources.KindSpreadsheet && s.Kind != sources.KindTracker {
			return fmt.Errorf("source %s: unknown kind %q", s.Name, s.Kind)
		}
		if s.URL == "" {
			return fmt.Errorf("source %s: url required", s.Name)
		}
		if d, err := ParseSpan(s.Interval); err != nil || d <= 0 {
			return fmt.Errorf("source %s: invalid interval %q", s.Name, s.Interval)
		}
		if size, err := formatting.ParseBytes(s.MaxBytes); err != nil || size <= 0 {
			return fmt.Errorf("source %s: invalid max_bytes %q", s.Name, s.MaxBytes)
		}
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("source %s: invalid timezone: %w", s.Name, err)
		}
	}
	return nil
}
