// Package config handles dispatcher configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ralphd/config.yaml, /config/config.yaml,
// /etc/ralphd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ralphd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/ralphd/config.yaml")
	return paths
}

// searchPathsFunc indirects DefaultSearchPaths so tests can substitute
// a hermetic search list without touching the developer's real config
// locations.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all dispatcher configuration.
type Config struct {
	RunDir           string          `yaml:"run_dir"`
	DatabasePath     string          `yaml:"database_path"`
	PollIntervalMS   int             `yaml:"poll_interval_ms"`
	MaxConcurrent    int             `yaml:"max_concurrent"`
	TaskTimeoutMS    int             `yaml:"task_timeout_ms"`
	EventHistorySize int             `yaml:"event_history_size"`
	LogLevel         string          `yaml:"log_level"`
	Broadcast        BroadcastConfig `yaml:"broadcast"`
}

// BroadcastConfig configures the external log/event fan-out adapters.
type BroadcastConfig struct {
	WebsocketAddr string    `yaml:"websocket_addr"`
	MQTT          MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig defines the optional MQTT fan-out for task lifecycle
// events and log lines, mirroring the shape of the teacher's Home
// Assistant MQTT publisher config but aimed at a different topic
// space.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	Topic     string `yaml:"topic"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${MQTT_PASSWORD}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.RunDir == "" {
		c.RunDir = "./data/runs"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "./data/queue.db"
	}
	if c.PollIntervalMS == 0 {
		c.PollIntervalMS = 100
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 1
	}
	if c.TaskTimeoutMS == 0 {
		c.TaskTimeoutMS = 7_200_000
	}
	if c.EventHistorySize == 0 {
		c.EventHistorySize = 1000
	}
	if c.Broadcast.MQTT.Topic == "" {
		c.Broadcast.MQTT.Topic = "ralphd/tasks"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.PollIntervalMS < 1 {
		return fmt.Errorf("poll_interval_ms %d must be positive", c.PollIntervalMS)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent %d must be at least 1", c.MaxConcurrent)
	}
	if c.TaskTimeoutMS < 1 {
		return fmt.Errorf("task_timeout_ms %d must be positive", c.TaskTimeoutMS)
	}
	if c.EventHistorySize < 0 {
		return fmt.Errorf("event_history_size %d must not be negative", c.EventHistorySize)
	}
	if c.Broadcast.MQTT.Enabled && c.Broadcast.MQTT.BrokerURL == "" {
		return fmt.Errorf("broadcast.mqtt.broker_url is required when broadcast.mqtt.enabled is true")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
