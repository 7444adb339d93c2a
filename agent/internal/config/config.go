// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (COMPLYMON_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	server:
//	  url: https://comply.fleet.net
//	  api_key: cmk_xxx
//
//	report:
//	  interval: 5m
//	  retries: 3
//	  retry_backoff: 2s
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Report ReportConfig `yaml:"report"`
}

// ServerConfig defines how to reach the control plane.
type ServerConfig struct {
	URL    string `yaml:"url"`     // e.g., https://comply.fleet.net
	APIKey string `yaml:"api_key"` // Sent as X-API-Key

	// TLS settings
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	// Timeouts
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// ReportConfig defines the collection and submission cycle.
type ReportConfig struct {
	// Interval between collection cycles.
	Interval time.Duration `yaml:"interval"`

	// Retries is how many times a failed submission is retried.
	Retries int `yaml:"retries"`

	// RetryBackoff is the pause between retries.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// MachineID overrides the derived machine identifier.
	MachineID string `yaml:"machine_id,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			RequestTimeout: 30 * time.Second,
		},
		Report: ReportConfig{
			Interval:     5 * time.Minute,
			Retries:      3,
			RetryBackoff: 2 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Report.Interval <= 0 {
		return fmt.Errorf("report.interval must be positive")
	}
	if c.Report.Retries < 0 {
		return fmt.Errorf("report.retries must not be negative")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the COMPLYMON_ prefix:
// - COMPLYMON_SERVER_URL
// - COMPLYMON_API_KEY
// - COMPLYMON_REPORT_INTERVAL (Go duration, e.g. 5m)
// - COMPLYMON_MACHINE_ID
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("COMPLYMON_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("COMPLYMON_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("COMPLYMON_REPORT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Report.Interval = d
		}
	}
	if v := os.Getenv("COMPLYMON_MACHINE_ID"); v != "" {
		c.Report.MachineID = v
	}
}
