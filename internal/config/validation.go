package config

import (
	"fmt"
	"strings"
)

// ValidationResult collects everything wrong with a configuration.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// Valid ...
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Check validates the configuration without failing.
func (c *Config) Check() *ValidationResult {
	result := &ValidationResult{}

	if c.Store.Name == "" {
		result.errorf("store.name must not be empty")
	}
	if c.Store.CommandTimeout <= 0 {
		result.errorf("store.command_timeout must be positive")
	}
	switch c.Store.QueryFavor {
	case "consistency", "compromise", "low_latency":
	default:
		result.errorf("store.query_favor must be one of consistency, compromise, low_latency (got '%s')",
			c.Store.QueryFavor)
	}

	switch c.Logging.Color {
	case "on", "off", "auto":
	default:
		result.errorf("logging.color must be 'on', 'off', or 'auto' (got '%s')", c.Logging.Color)
	}

	if c.Bridge.Enabled {
		if c.Bridge.URL == "" {
			result.errorf("bridge.url must be set when the bridge is enabled")
		}
		if c.Bridge.SubjectPrefix == "" {
			result.errorf("bridge.subject_prefix must be set when the bridge is enabled")
		}
		if c.Bridge.ConnectTimeout <= 0 {
			result.warnf("bridge.connect_timeout is not positive; connects may block")
		}
	}

	return result
}

// Validate fails on the first invalid configuration.
func (c *Config) Validate() error {
	result := c.Check()
	if result.Valid() {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n - %s", strings.Join(result.Errors, "\n - "))
}
