// Package config provides the unified configuration for a khepri store:
// defaults, an optional YAML file, and KHEPRI_* environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so configuration files can spell
// durations as "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML ...
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %s", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML ...
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete store configuration.
type Config struct {
	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`

	// View-table configuration
	Views ViewsConfig `yaml:"views"`

	// Change-event bridge configuration
	Bridge BridgeConfig `yaml:"bridge"`
}

// StoreConfig contains core store settings.
type StoreConfig struct {
	// Name is the store identifier used as a routing key
	Name string `yaml:"name" env:"KHEPRI_STORE_NAME" default:"khepri"`

	// CommandTimeout bounds synchronous command replies
	CommandTimeout Duration `yaml:"command_timeout" env:"KHEPRI_COMMAND_TIMEOUT" default:"30s"`

	// QueryFavor is the default consistency/latency trade-off for
	// queries: consistency, compromise or low_latency
	QueryFavor string `yaml:"query_favor" env:"KHEPRI_QUERY_FAVOR" default:"consistency"`
}

// LoggingConfig contains logging switches.
type LoggingConfig struct {
	Debug bool   `yaml:"debug" env:"KHEPRI_DEBUG"`
	Trace bool   `yaml:"trace" env:"KHEPRI_TRACE"`
	Color string `yaml:"color" env:"KHEPRI_COLOR" default:"auto"`
}

// ViewsConfig contains defaults applied to projection view tables.
type ViewsConfig struct {
	ReadConcurrency  bool `yaml:"read_concurrency" env:"KHEPRI_VIEW_READ_CONCURRENCY" default:"true"`
	WriteConcurrency bool `yaml:"write_concurrency" env:"KHEPRI_VIEW_WRITE_CONCURRENCY"`
}

// BridgeConfig configures the NATS change-event bridge.
type BridgeConfig struct {
	Enabled        bool     `yaml:"enabled" env:"KHEPRI_BRIDGE_ENABLED"`
	URL            string   `yaml:"url" env:"KHEPRI_BRIDGE_URL" default:"nats://127.0.0.1:4222"`
	SubjectPrefix  string   `yaml:"subject_prefix" env:"KHEPRI_BRIDGE_SUBJECT_PREFIX" default:"khepri.events"`
	ConnectTimeout Duration `yaml:"connect_timeout" env:"KHEPRI_BRIDGE_CONNECT_TIMEOUT" default:"5s"`
	CredsFile      string   `yaml:"creds_file" env:"KHEPRI_BRIDGE_CREDS_FILE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	if err := applyDefaults(cfg); err != nil {
		// Defaults are literals; failing to parse one is a programming
		// error, not a runtime condition.
		panic(err)
	}
	return cfg
}

// Load reads a configuration file, layering it over the defaults and
// under the environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("unable to read config file %s: %s", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("unable to parse config file %s: %s", path, err)
		}
	}

	if err := NewLoader().LoadFromEnvironment(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
