// Package config loads the broker's YAML configuration and resolves the
// per-instance directory layout.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultBrokerPort is the TCP port clients connect to.
const DefaultBrokerPort = 9999

// Config is the daemon configuration, read from config.yaml in the
// instance directory. Every field has a working default; a missing file
// is not an error.
type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Logging LoggingConfig `yaml:"logging"`
}

// BrokerConfig controls the client-facing TCP listener.
type BrokerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	// MonitorPort enables the websocket monitor endpoint when non-zero.
	MonitorPort int `yaml:"monitor_port"`
}

// BridgeConfig controls how the bridge subprocess is located and run.
type BridgeConfig struct {
	// Command is an explicit bridge executable path. When empty the
	// locator falls back to the search paths and then $PATH.
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	SearchPaths []string `yaml:"search_paths"`
	// DriverPath is passed to the bridge as --driver.
	DriverPath string `yaml:"driver_path"`
	// Simulate runs the bridge against the built-in ECU simulator
	// instead of real hardware.
	Simulate bool `yaml:"simulate"`
}

// LoggingConfig controls the daemon's rotating log file.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no config file exists.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			Bind: "127.0.0.1",
			Port: DefaultBrokerPort,
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads the config file at path. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Broker.Port <= 0 || cfg.Broker.Port > 65535 {
		return cfg, fmt.Errorf("invalid broker port %d", cfg.Broker.Port)
	}
	if cfg.Broker.Bind == "" {
		cfg.Broker.Bind = "127.0.0.1"
	}
	return cfg, nil
}

// ListenAddr returns the broker's host:port listen address.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Broker.Bind, c.Broker.Port)
}

// MonitorAddr returns the monitor listen address, or "" when disabled.
func (c Config) MonitorAddr() string {
	if c.Broker.MonitorPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Broker.Bind, c.Broker.MonitorPort)
}
