package config

import (
	"os"
	"strconv"
)

const (
	EnvTelemetryEndpoint    = "SAFEGUARD_TELEMETRY_ENDPOINT"
	EnvTelemetryServiceName = "SAFEGUARD_TELEMETRY_SERVICE_NAME"
	EnvTelemetryInsecure    = "SAFEGUARD_TELEMETRY_INSECURE"

	// EnvOTLPEndpoint is the standard OpenTelemetry variable, used when no
	// SAFEGUARD endpoint is set.
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// TelemetryConfig holds the OTLP exporter settings. An empty endpoint
// disables export.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
	Insecure    bool   `toml:"insecure"`
}

// Finalize applies defaults and environment variable overrides.
func (c *TelemetryConfig) Finalize() error {
	defaultString(&c.ServiceName, "safeguard")

	if c.Endpoint == "" {
		envString(&c.Endpoint, EnvOTLPEndpoint)
	}
	envString(&c.Endpoint, EnvTelemetryEndpoint)
	envString(&c.ServiceName, EnvTelemetryServiceName)
	if v := os.Getenv(EnvTelemetryInsecure); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Insecure = b
		}
	}
	return nil
}

// Merge overwrites non-zero fields from overlay.
func (c *TelemetryConfig) Merge(overlay *TelemetryConfig) {
	mergeString(&c.Endpoint, overlay.Endpoint)
	mergeString(&c.ServiceName, overlay.ServiceName)
	if overlay.Insecure {
		c.Insecure = true
	}
}
