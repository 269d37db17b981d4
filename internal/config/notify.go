package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/JaimeStill/safeguard/internal/notify"
)

const (
	EnvNotifyBrokers     = "SAFEGUARD_NOTIFY_BROKERS"
	EnvNotifyTopic       = "SAFEGUARD_NOTIFY_TOPIC"
	EnvNotifyMaxAttempts = "SAFEGUARD_NOTIFY_MAX_ATTEMPTS"
)

// NotifyConfig holds the notification dispatcher settings. Kafka delivery is
// enabled when brokers are configured.
type NotifyConfig struct {
	Brokers        []string `toml:"brokers"`
	Topic          string   `toml:"topic"`
	QueueSize      int      `toml:"queue_size"`
	MaxAttempts    uint     `toml:"max_attempts"`
	InitialBackoff string   `toml:"initial_backoff"`
	MaxBackoff     string   `toml:"max_backoff"`
	Timeout        string   `toml:"timeout"`
}

// KafkaEnabled reports whether events are published to Kafka.
func (c *NotifyConfig) KafkaEnabled() bool {
	return len(c.Brokers) > 0
}

// Dispatcher returns the dispatcher configuration.
func (c *NotifyConfig) Dispatcher() notify.Config {
	return notify.Config{
		QueueSize:      c.QueueSize,
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: mustSpan(c.InitialBackoff),
		MaxBackoff:     mustSpan(c.MaxBackoff),
		Timeout:        mustSpan(c.Timeout),
	}
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *NotifyConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *NotifyConfig) Merge(overlay *NotifyConfig) {
	if len(overlay.Brokers) > 0 {
		c.Brokers = overlay.Brokers
	}
	mergeString(&c.Topic, overlay.Topic)
	mergeString(&c.InitialBackoff, overlay.InitialBackoff)
	mergeString(&c.MaxBackoff, overlay.MaxBackoff)
	mergeString(&c.Timeout, overlay.Timeout)
	if overlay.QueueSize != 0 {
		c.QueueSize = overlay.QueueSize
	}
	if overlay.MaxAttempts != 0 {
		c.MaxAttempts = overlay.MaxAttempts
	}
}

func (c *NotifyConfig) loadDefaults() {
	def := notify.DefaultConfig()

	defaultString(&c.Topic, "safeguard.events")
	defaultString(&c.InitialBackoff, def.InitialBackoff.String())
	defaultString(&c.MaxBackoff, def.MaxBackoff.String())
	defaultString(&c.Timeout, def.Timeout.String())
	if c.QueueSize == 0 {
		c.QueueSize = def.QueueSize
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = def.MaxAttempts
	}
}

func (c *NotifyConfig) loadEnv() {
	if v := os.Getenv(EnvNotifyBrokers); v != "" {
		c.Brokers = splitList(v)
	}
	envString(&c.Topic, EnvNotifyTopic)
	if v := os.Getenv(EnvNotifyMaxAttempts); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.MaxAttempts = uint(n)
		}
	}
}

func (c *NotifyConfig) validate() error {
	for name, v := range map[string]string{
		"initial_backoff": c.InitialBackoff,
		"max_backoff":     c.MaxBackoff,
		"timeout":         c.Timeout,
	} {
		if _, err := ParseSpan(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("invalid queue_size: %d", c.QueueSize)
	}
	return nil
}
