// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"github.com/bloom-foundation/synapse/lib/config"
	"github.com/bloom-foundation/synapse/lib/version"
)

// printInfo displays system and runtime information for support
// diagnostics.
func printInfo(cfg *config.Config) {
	fmt.Println("=== SYNAPSE-HOST INFO ===")
	fmt.Println()
	fmt.Printf("Version:            %s\n", version.Info())
	fmt.Printf("Build time:         %s\n", version.BuildTime)
	fmt.Printf("Go runtime:         %s\n", runtime.Version())
	fmt.Printf("Platform:           %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("Process ID:         %d\n", os.Getpid())
	fmt.Println()
	fmt.Printf("Backend address:    %s\n", cfg.Backend.Address)
	fmt.Printf("Reconnect delay:    %s\n", cfg.Backend.ReconnectDelay.Std())
	fmt.Printf("Heartbeat interval: %s\n", cfg.Heartbeat.Interval.Std())
	fmt.Printf("Queue capacity:     %d\n", cfg.Queue.Capacity)
	fmt.Printf("Log directory:      %s\n", cfg.Log.Directory)
}

// checkHealth verifies the host's dependencies and returns a process
// exit code: zero when everything required for normal operation is in
// place.
func checkHealth(cfg *config.Config) int {
	fmt.Println("=== SYNAPSE-HOST HEALTH CHECK ===")
	fmt.Println()
	exitCode := 0

	fmt.Println("[1/3] Backend connectivity...")
	conn, err := net.DialTimeout("tcp", cfg.Backend.Address, cfg.Backend.DialTimeout.Std())
	if err != nil {
		// The backend being down is expected when the browser has not
		// launched the stack; report but do not fail the check.
		fmt.Printf("      WARN: backend %s not reachable: %v\n", cfg.Backend.Address, err)
	} else {
		conn.Close()
		fmt.Printf("      OK: backend reachable at %s\n", cfg.Backend.Address)
	}

	fmt.Println("[2/3] Standard streams...")
	if _, err := os.Stdin.Stat(); err != nil {
		fmt.Printf("      FAIL: stdin unavailable: %v\n", err)
		exitCode = 1
	} else if _, err := os.Stdout.Stat(); err != nil {
		fmt.Printf("      FAIL: stdout unavailable: %v\n", err)
		exitCode = 1
	} else {
		fmt.Println("      OK: stdin/stdout available")
	}

	fmt.Println("[3/3] Log directory...")
	if err := os.MkdirAll(cfg.Log.Directory, 0o755); err != nil {
		fmt.Printf("      WARN: cannot create %s: %v\n", cfg.Log.Directory, err)
	} else {
		marker := filepath.Join(cfg.Log.Directory, ".health_check")
		if err := os.WriteFile(marker, nil, 0o644); err != nil {
			fmt.Printf("      WARN: %s not writable: %v\n", cfg.Log.Directory, err)
		} else {
			os.Remove(marker)
			fmt.Printf("      OK: %s writable\n", cfg.Log.Directory)
		}
	}

	fmt.Println()
	if exitCode == 0 {
		fmt.Println("Result: healthy")
	} else {
		fmt.Println("Result: unhealthy")
	}
	return exitCode
}
