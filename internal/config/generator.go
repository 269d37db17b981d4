package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/JaimeStill/safeguard/internal/generator"
)

const (
	EnvGeneratorProvider    = "SAFEGUARD_GENERATOR_PROVIDER"
	EnvGeneratorModel       = "SAFEGUARD_GENERATOR_MODEL"
	EnvGeneratorAPIKey      = "SAFEGUARD_GENERATOR_API_KEY"
	EnvGeneratorTemperature = "SAFEGUARD_GENERATOR_TEMPERATURE"
)

// GeneratorConfig selects the text-generation provider. The API key is
// normally supplied through the environment.
type GeneratorConfig struct {
	Provider    string  `toml:"provider"`
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	Temperature float32 `toml:"temperature"`
}

// Generator returns the provider configuration.
func (c *GeneratorConfig) Generator() generator.Config {
	return generator.Config{
		Provider:    c.Provider,
		Model:       c.Model,
		APIKey:      c.APIKey,
		Temperature: c.Temperature,
	}
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *GeneratorConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *GeneratorConfig) Merge(overlay *GeneratorConfig) {
	mergeString(&c.Provider, overlay.Provider)
	mergeString(&c.Model, overlay.Model)
	mergeString(&c.APIKey, overlay.APIKey)
	if overlay.Temperature != 0 {
		c.Temperature = overlay.Temperature
	}
}

func (c *GeneratorConfig) loadDefaults() {
	defaultString(&c.Provider, generator.ProviderDisabled)
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
}

func (c *GeneratorConfig) loadEnv() {
	envString(&c.Provider, EnvGeneratorProvider)
	envString(&c.Model, EnvGeneratorModel)
	envString(&c.APIKey, EnvGeneratorAPIKey)
	if v := os.Getenv(EnvGeneratorTemperature); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			c.Temperature = float32(f)
		}
	}
}

func (c *GeneratorConfig) validate() error {
	switch c.Provider {
	case generator.ProviderDisabled:
	case generator.ProviderGemini:
		if c.APIKey == "" {
			return fmt.Errorf("api_key required for provider %s", c.Provider)
		}
	default:
		return fmt.Errorf("unknown provider: %s", c.Provider)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("invalid temperature: %v", c.Temperature)
	}
	return nil
}
