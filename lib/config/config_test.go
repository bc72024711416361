// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synapse.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
backend:
  address: "127.0.0.1:6789"
  reconnect_delay: 500ms
queue:
  capacity: 64
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Backend.Address != "127.0.0.1:6789" {
		t.Errorf("backend.address = %q", cfg.Backend.Address)
	}
	if cfg.Backend.ReconnectDelay.Std() != 500*time.Millisecond {
		t.Errorf("backend.reconnect_delay = %v", cfg.Backend.ReconnectDelay.Std())
	}
	if cfg.Queue.Capacity != 64 {
		t.Errorf("queue.capacity = %d", cfg.Queue.Capacity)
	}

	// Untouched sections keep their defaults.
	if cfg.Heartbeat.Interval.Std() != 10*time.Second {
		t.Errorf("heartbeat.interval = %v, want default 10s", cfg.Heartbeat.Interval.Std())
	}
	if cfg.Chunks.MaxActiveBuffers != 15 {
		t.Errorf("chunks.max_active_buffers = %d, want default 15", cfg.Chunks.MaxActiveBuffers)
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := writeConfigFile(t, `
backend:
  reconnect_delay: "soon"
`)
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("LoadFile = %v, want invalid duration error", err)
	}
}

func TestLoadFileRejectsBadAddress(t *testing.T) {
	path := writeConfigFile(t, `
backend:
  address: "not-an-endpoint"
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile accepted a malformed backend address")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Queue.Capacity = 0
	cfg.Heartbeat.Interval = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate passed an invalid config")
	}
	for _, fragment := range []string{"queue.capacity", "heartbeat.interval"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q does not mention %s", err, fragment)
		}
	}
}

func TestLoadWithoutEnvironmentUsesDefaults(t *testing.T) {
	t.Setenv("SYNAPSE_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Address != "127.0.0.1:5678" {
		t.Errorf("backend.address = %q, want default", cfg.Backend.Address)
	}
}
