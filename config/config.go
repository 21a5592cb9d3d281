// Package config loads and validates the AERP node configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults; all nodes of a group must at least agree on the port.
// Ports 256-511 are the private application range of the mesh, which keeps
// AERP clear of well-known traffic.
const (
	DefaultIntervalSec   = 60
	DefaultEmergencyPort = 256
	DefaultMessage       = "SOS! Emergency situation detected."
	DefaultAlertRadiusM  = 1000
	DefaultAckTimeoutSec = 300
)

type Config struct {
	IntervalSec   int     `yaml:"interval"`
	EmergencyPort uint16  `yaml:"emergency_port"`
	Message       string  `yaml:"emergency_message"`
	AlertRadiusM  float64 `yaml:"alert_radius"`
	AckTimeoutSec int     `yaml:"ack_timeout"`
	AutoStart     bool    `yaml:"auto_start"`

	Mesh MeshConfig `yaml:"mesh"`
}

// MeshConfig configures the reference QUIC mesh transport. Position and
// Battery are static telemetry for nodes without a live GPS/power source;
// when nil the transport reports them unavailable.
type MeshConfig struct {
	ListenAddr string          `yaml:"listen_addr"`
	Peers      []string        `yaml:"peers"`
	Position   *PositionConfig `yaml:"position"`
	Battery    *int32          `yaml:"battery"`
}

type PositionConfig struct {
	Latitude  float64  `yaml:"latitude"`
	Longitude float64  `yaml:"longitude"`
	Altitude  *float64 `yaml:"altitude"`
}

func Default() *Config {
	return &Config{
		IntervalSec:   DefaultIntervalSec,
		EmergencyPort: DefaultEmergencyPort,
		Message:       DefaultMessage,
		AlertRadiusM:  DefaultAlertRadiusM,
		AckTimeoutSec: DefaultAckTimeoutSec,
		AutoStart:     false,
		Mesh: MeshConfig{
			ListenAddr: "0.0.0.0:0",
		},
	}
}

// LoadConfig reads the yaml config at path. A missing file is not an error:
// a default config is written there and returned, so a first run produces a
// template the operator can edit.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if werr := writeDefault(path, cfg); werr != nil {
			return cfg, fmt.Errorf("write default config: %w", werr)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeDefault(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

func (c *Config) Validate() error {
	if c.IntervalSec <= 0 {
		return fmt.Errorf("interval must be a positive number of seconds, got %d", c.IntervalSec)
	}
	if c.EmergencyPort > 511 {
		return fmt.Errorf("emergency_port must be between 0 and 511, got %d", c.EmergencyPort)
	}
	if c.Message == "" {
		return fmt.Errorf("emergency_message cannot be empty")
	}
	if c.AlertRadiusM < 0 {
		return fmt.Errorf("alert_radius cannot be negative (use 0 to disable), got %g", c.AlertRadiusM)
	}
	if c.AckTimeoutSec <= 0 {
		return fmt.Errorf("ack_timeout must be a positive number of seconds, got %d", c.AckTimeoutSec)
	}
	return nil
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSec) * time.Second
}

// ReceivedEmergencyTimeout is how long a tracked peer emergency survives
// without being refreshed: at least three ack timeouts and never under ten
// minutes.
func (c *Config) ReceivedEmergencyTimeout() time.Duration {
	timeout := 3 * c.AckTimeout()
	if timeout < 600*time.Second {
		timeout = 600 * time.Second
	}
	return timeout
}

// JanitorSleep is the pause between cleanup sweeps: half the ack timeout,
// floored at 30 seconds.
func (c *Config) JanitorSleep() time.Duration {
	sleep := c.AckTimeout() / 2
	if sleep < 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}
