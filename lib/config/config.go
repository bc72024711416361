// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the host daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - the SYNAPSE_CONFIG environment variable, or
//   - the --config flag passed to the command.
//
// The file is optional: Chrome launches the host with no environment to
// speak of, so Default() must be a complete working configuration and
// the file only overrides it. There is no automatic discovery and no
// per-field environment overrides — when a file is given it is the
// single source of truth over the defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML string parsing ("2s", "500ms").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the host daemon configuration.
type Config struct {
	// Backend configures the TCP link to the local backend service.
	Backend BackendConfig `yaml:"backend"`

	// Handshake configures the readiness protocol.
	Handshake HandshakeConfig `yaml:"handshake"`

	// Heartbeat configures the periodic status message.
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// Queue configures the pending-message buffer.
	Queue QueueConfig `yaml:"queue"`

	// Chunks configures multi-part message reassembly.
	Chunks ChunksConfig `yaml:"chunks"`

	// Log configures the file logging sink.
	Log LogConfig `yaml:"log"`
}

// BackendConfig configures the TCP link to the backend service.
type BackendConfig struct {
	// Address is the backend endpoint. The backend only ever listens
	// on the loopback interface.
	Address string `yaml:"address"`

	// DialTimeout bounds a single connection attempt.
	DialTimeout Duration `yaml:"dial_timeout"`

	// ReconnectDelay is the pause between failed connection attempts.
	ReconnectDelay Duration `yaml:"reconnect_delay"`

	// IdentityWaitTimeout bounds how long the link waits for session
	// identity before giving up on registration entirely.
	IdentityWaitTimeout Duration `yaml:"identity_wait_timeout"`
}

// HandshakeConfig configures the readiness protocol.
type HandshakeConfig struct {
	// ConfirmTimeout bounds the wait for a live backend connection
	// after the extension signals readiness. On expiry the handshake
	// stays in host_ready; a later connection still confirms it.
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
}

// HeartbeatConfig configures the periodic status message.
type HeartbeatConfig struct {
	// Interval is the heartbeat period.
	Interval Duration `yaml:"interval"`
}

// QueueConfig configures the pending-message buffer.
type QueueConfig struct {
	// Capacity bounds the number of messages buffered while no
	// backend connection exists.
	Capacity int `yaml:"capacity"`
}

// ChunksConfig configures multi-part message reassembly.
type ChunksConfig struct {
	// MaxActiveBuffers bounds concurrent in-flight chunked transfers.
	MaxActiveBuffers int `yaml:"max_active_buffers"`

	// ExpiryAge is how long an abandoned transfer survives before the
	// background sweep discards it.
	ExpiryAge Duration `yaml:"expiry_age"`
}

// LogConfig configures the file logging sink.
type LogConfig struct {
	// Directory is where the host log file is written. Created on
	// demand.
	Directory string `yaml:"directory"`
}

// Default returns the complete default configuration. The daemon runs
// on defaults alone when no config file is given.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Address:             "127.0.0.1:5678",
			DialTimeout:         Duration(5 * time.Second),
			ReconnectDelay:      Duration(2 * time.Second),
			IdentityWaitTimeout: Duration(45 * time.Second),
		},
		Handshake: HandshakeConfig{
			ConfirmTimeout: Duration(5 * time.Second),
		},
		Heartbeat: HeartbeatConfig{
			Interval: Duration(10 * time.Second),
		},
		Queue: QueueConfig{
			Capacity: 500,
		},
		Chunks: ChunksConfig{
			MaxActiveBuffers: 15,
			ExpiryAge:        Duration(60 * time.Second),
		},
		Log: LogConfig{
			Directory: filepath.Join(os.TempDir(), "bloom-nucleus", "logs"),
		},
	}
}

// Load loads configuration from the SYNAPSE_CONFIG environment
// variable, falling back to defaults when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("SYNAPSE_CONFIG")
	if configPath == "" {
		return Default(), nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Backend.Address == "" {
		errs = append(errs, fmt.Errorf("backend.address is required"))
	} else if _, _, err := net.SplitHostPort(c.Backend.Address); err != nil {
		errs = append(errs, fmt.Errorf("backend.address %q: %w", c.Backend.Address, err))
	}
	if c.Backend.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("backend.dial_timeout must be positive"))
	}
	if c.Backend.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("backend.reconnect_delay must be positive"))
	}
	if c.Backend.IdentityWaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("backend.identity_wait_timeout must be positive"))
	}
	if c.Handshake.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("handshake.confirm_timeout must be positive"))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval must be positive"))
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive"))
	}
	if c.Chunks.MaxActiveBuffers <= 0 {
		errs = append(errs, fmt.Errorf("chunks.max_active_buffers must be positive"))
	}
	if c.Chunks.ExpiryAge <= 0 {
		errs = append(errs, fmt.Errorf("chunks.expiry_age must be positive"))
	}
	if c.Log.Directory == "" {
		errs = append(errs, fmt.Errorf("log.directory is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
