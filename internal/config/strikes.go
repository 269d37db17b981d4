package config

import (
	"os"
	"strconv"
)

const EnvStrikesRequireSecondApprover = "SAFEGUARD_STRIKES_REQUIRE_SECOND_APPROVER"

// StrikesConfig holds strike reset policy.
type StrikesConfig struct {
	RequireSecondApprover bool `toml:"require_second_approver"`
}

// Finalize applies environment variable overrides.
func (c *StrikesConfig) Finalize() error {
	if v := os.Getenv(EnvStrikesRequireSecondApprover); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RequireSecondApprover = b
		}
	}
	return nil
}

// Merge enables two-person reset when the overlay does. An overlay cannot
// relax the base policy.
func (c *StrikesConfig) Merge(overlay *StrikesConfig) {
	if overlay.RequireSecondApprover {
		c.RequireSecondApprover = true
	}
}
